package chat

import (
	"fmt"
	"testing"
)

func feedAll(t *testing.T, asm *Assembler, events []StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for _, ev := range events {
		out = append(out, asm.Feed(ev)...)
	}
	return out
}

func TestAssemblerReassemblesFragmentedArguments(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallStart, ID: "call_1", Name: "update_script"},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `{"script":"`},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `New hook text`},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `"}`},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})

	var completes []StreamEvent
	for _, ev := range out {
		if ev.Type == EventToolCallComplete {
			completes = append(completes, ev)
		}
	}
	if len(completes) != 1 {
		t.Fatalf("expected exactly one complete, got %d", len(completes))
	}
	c := completes[0]
	if c.Name != "update_script" || c.ID != "call_1" {
		t.Fatalf("unexpected call identity: %+v", c)
	}
	if c.ArgumentsJSON != `{"script":"New hook text"}` {
		t.Fatalf("fragments not concatenated: %q", c.ArgumentsJSON)
	}
	if c.Malformed {
		t.Fatal("valid arguments flagged malformed")
	}
}

func TestAssemblerPreservesTextOrdering(t *testing.T) {
	asm := NewAssembler()
	var events []StreamEvent
	for i := 0; i < 5; i++ {
		events = append(events, StreamEvent{Type: EventTextDelta, Text: fmt.Sprintf("chunk%d", i)})
	}
	out := feedAll(t, asm, events)
	if len(out) != 5 {
		t.Fatalf("expected 5 events, got %d", len(out))
	}
	for i, ev := range out {
		if ev.Type != EventTextDelta || ev.Text != fmt.Sprintf("chunk%d", i) {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func TestAssemblerInterleavedTextAndFragments(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventTextDelta, Text: "Here you go. "},
		{Type: EventToolCallStart, ID: "call_1", Name: "update_script"},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `{"script":"x"}`},
		{Type: EventTextDelta, Text: "Done."},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})

	wantTypes := []StreamEventType{EventTextDelta, EventTextDelta, EventToolCallComplete, EventTurnFinished}
	if len(out) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(out), out)
	}
	for i, want := range wantTypes {
		if out[i].Type != want {
			t.Fatalf("event %d: want %s got %s", i, want, out[i].Type)
		}
	}
}

func TestAssemblerNewIDFinalizesPreviousCall(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallStart, ID: "call_1", Name: "update_script"},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `{"script":"a"}`},
		{Type: EventToolCallStart, ID: "call_2", Name: "regenerate_idea"},
		{Type: EventToolCallArgsDelta, ID: "call_2", Fragment: `{"guidance":"b"}`},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})

	var completes []StreamEvent
	for _, ev := range out {
		if ev.Type == EventToolCallComplete {
			completes = append(completes, ev)
		}
	}
	if len(completes) != 2 {
		t.Fatalf("expected 2 completes, got %d", len(completes))
	}
	if completes[0].ID != "call_1" || completes[1].ID != "call_2" {
		t.Fatalf("completes out of completion order: %+v", completes)
	}
	// call_1 must complete when call_2 starts, before the finish signal.
	if out[0].Type != EventToolCallComplete || out[0].ID != "call_1" {
		t.Fatalf("previous call not finalized on new id: %+v", out[0])
	}
}

func TestAssemblerOrphanFragmentOpensBufferDefensively(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallArgsDelta, ID: "call_x", Name: "update_script", Fragment: `{"script":"y"}`},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})

	if len(out) != 2 || out[0].Type != EventToolCallComplete {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out[0].ID != "call_x" || out[0].ArgumentsJSON != `{"script":"y"}` {
		t.Fatalf("orphan fragments lost: %+v", out[0])
	}
}

func TestAssemblerMalformedArgumentsSurfacedNotDropped(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallStart, ID: "call_1", Name: "update_script"},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `{"script":`},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})

	if out[0].Type != EventToolCallComplete {
		t.Fatalf("malformed call not surfaced: %+v", out)
	}
	if !out[0].Malformed {
		t.Fatal("parse failure not flagged")
	}
	if out[0].ArgumentsJSON != "{}" {
		t.Fatalf("expected empty object placeholder, got %q", out[0].ArgumentsJSON)
	}
}

func TestAssemblerEmptyArgumentsBecomeEmptyObject(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallStart, ID: "call_1", Name: "regenerate_idea"},
		{Type: EventTurnFinished, Reason: "tool_calls"},
	})
	if out[0].ArgumentsJSON != "{}" || out[0].Malformed {
		t.Fatalf("empty buffer mishandled: %+v", out[0])
	}
}

func TestAssemblerDoesNotFlushOnStreamError(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallStart, ID: "call_1", Name: "update_script"},
		{Type: EventToolCallArgsDelta, ID: "call_1", Fragment: `{"script":"partial`},
		{Type: EventStreamError, Err: "connection reset"},
	})

	for _, ev := range out {
		if ev.Type == EventToolCallComplete {
			t.Fatalf("incomplete call completed after stream error: %+v", ev)
		}
	}
	if out[len(out)-1].Type != EventStreamError {
		t.Fatalf("stream error not passed through: %+v", out)
	}
}

func TestAssemblerPassesThroughPreCompletedCalls(t *testing.T) {
	asm := NewAssembler()
	out := feedAll(t, asm, []StreamEvent{
		{Type: EventToolCallComplete, ID: "call-123-abc", Name: "update_script", ArgumentsJSON: `{"script":"z"}`},
		{Type: EventTurnFinished, Reason: "stop"},
	})
	if out[0].Type != EventToolCallComplete || out[0].ArgumentsJSON != `{"script":"z"}` {
		t.Fatalf("pre-completed call altered: %+v", out[0])
	}
}
