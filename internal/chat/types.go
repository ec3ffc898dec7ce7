package chat

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is one model-issued invocation recorded on an assistant turn.
// Arguments is always a complete, parseable JSON object by the time a
// ToolCall exists; partial fragments only live inside the assembler.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one immutable record of a conversation. Turns are append-only;
// corrections happen by appending new turns, never by editing old ones.
type Turn struct {
	ID      string
	Role    Role
	Content string

	// For assistant turns: the tool calls they made, in completion order.
	ToolCalls []ToolCall

	// For tool-result turns: which call this answers, and its tool name.
	ToolCallID string
	ToolName   string

	// Set when the turn was persisted after a cancelled or failed stream
	// and carries only the fragments delivered up to that point.
	Truncated bool

	CreatedAt time.Time
}

// StreamEventType tags the neutral streaming vocabulary every backend is
// translated into. The orchestrator and assembler only ever see these.
type StreamEventType string

const (
	EventTextDelta         StreamEventType = "text_delta"
	EventToolCallStart     StreamEventType = "tool_call_start"
	EventToolCallArgsDelta StreamEventType = "tool_call_args_delta"
	EventToolCallComplete  StreamEventType = "tool_call_complete"
	EventTurnFinished      StreamEventType = "turn_finished"
	EventStreamError       StreamEventType = "stream_error"
)

// StreamEvent is the tagged union flowing from a provider adapter. Which
// fields are meaningful depends on Type; the zero value of the rest is
// ignored.
type StreamEvent struct {
	Type StreamEventType

	// EventTextDelta
	Text string

	// Tool-call events. Fragment carries one argument delta; ArgumentsJSON
	// is only set on EventToolCallComplete and is a full JSON object.
	// Malformed marks a completed call whose buffered arguments failed to
	// parse; ArgumentsJSON is then "{}" and the executor rejects the call.
	ID            string
	Name          string
	Fragment      string
	ArgumentsJSON string
	Malformed     bool

	// EventTurnFinished
	Reason           string
	PromptTokens     int
	CompletionTokens int

	// EventStreamError
	Err string
}

// ClientEvent is one newline-delimited JSON line streamed to the caller.
// This shape is the only contract a caller needs to render a live
// transcript, so it must stay stable.
type ClientEvent struct {
	Type      string          `json:"type"` // text, tool_call, tool_result, error, done
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// GenerationRecord is one append-only audit entry, written once per provider
// round-trip. ToolArtifacts maps tool-call ids to whatever downstream record
// the handler created, so the UI can deep-link from a turn to its artifact.
type GenerationRecord struct {
	ID               string
	ConversationID   string
	EntityID         string
	Provider         string
	Prompt           string
	Response         string
	PromptTokens     int
	CompletionTokens int
	ToolArtifacts    map[string]string
	Error            string
	CreatedAt        time.Time
}
