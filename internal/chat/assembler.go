package chat

import (
	"encoding/json"
	"strings"
)

// pendingCall buffers one in-flight tool call while its argument fragments
// arrive.
type pendingCall struct {
	name string
	args strings.Builder
}

// Assembler reduces raw adapter events into complete units: text deltas pass
// through untouched, argument fragments accumulate per tool-call id, and a
// completed call is only emitted on an explicit signal, never because the
// stream went quiet. The Assembler never reorders events.
//
// One Assembler serves one orchestration pass and is not safe for concurrent
// use; the pass feeds it from a single goroutine.
type Assembler struct {
	open    map[string]*pendingCall
	order   []string
	current string
}

func NewAssembler() *Assembler {
	return &Assembler{open: make(map[string]*pendingCall)}
}

// Feed reduces one event and returns the events the caller should act on, in
// order. Most events map to zero or one outputs; EventTurnFinished flushes
// every open buffer first, and a start for a new id finalizes the previously
// open call (delta backends only interleave fragments of one call at a time,
// so a fresh id means the prior call's fragments are done).
func (a *Assembler) Feed(ev StreamEvent) []StreamEvent {
	switch ev.Type {
	case EventTextDelta:
		return []StreamEvent{ev}

	case EventToolCallStart:
		var out []StreamEvent
		if a.current != "" && a.current != ev.ID {
			out = append(out, a.finalize(a.current))
		}
		a.current = ev.ID
		if _, exists := a.open[ev.ID]; !exists {
			a.open[ev.ID] = &pendingCall{name: ev.Name}
			a.order = append(a.order, ev.ID)
		} else if ev.Name != "" && a.open[ev.ID].name == "" {
			a.open[ev.ID].name = ev.Name
		}
		if ev.Fragment != "" {
			a.open[ev.ID].args.WriteString(ev.Fragment)
		}
		return out

	case EventToolCallArgsDelta:
		buf, exists := a.open[ev.ID]
		if !exists {
			// Out-of-order delivery: open a buffer defensively so the
			// fragments are not lost.
			buf = &pendingCall{name: ev.Name}
			a.open[ev.ID] = buf
			a.order = append(a.order, ev.ID)
			a.current = ev.ID
		}
		buf.args.WriteString(ev.Fragment)
		return nil

	case EventToolCallComplete:
		// Whole-object backends emit these pre-assembled; pass through.
		return []StreamEvent{ev}

	case EventTurnFinished:
		out := a.flush()
		return append(out, ev)

	case EventStreamError:
		// Open buffers stay open: a call that never saw its finish signal
		// was never completed and must not be executed.
		return []StreamEvent{ev}
	}
	return []StreamEvent{ev}
}

// flush finalizes every still-open buffer in first-seen order.
func (a *Assembler) flush() []StreamEvent {
	var out []StreamEvent
	for _, id := range a.order {
		if _, exists := a.open[id]; exists {
			out = append(out, a.finalize(id))
		}
	}
	a.order = a.order[:0]
	a.current = ""
	return out
}

func (a *Assembler) finalize(id string) StreamEvent {
	buf := a.open[id]
	delete(a.open, id)
	if a.current == id {
		a.current = ""
	}

	raw := strings.TrimSpace(buf.args.String())
	if raw == "" {
		raw = "{}"
	}
	ev := StreamEvent{
		Type:          EventToolCallComplete,
		ID:            id,
		Name:          buf.name,
		ArgumentsJSON: raw,
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		// A parse failure is not fatal: surface the call anyway so the
		// executor can reject it with a clear error instead of the stream
		// silently losing it.
		ev.ArgumentsJSON = "{}"
		ev.Malformed = true
	}
	return ev
}
