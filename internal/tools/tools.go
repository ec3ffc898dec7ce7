package tools

import (
	"context"
	"encoding/json"
	"sort"
)

// FieldSpec describes one parameter of a tool. The parameter model is
// deliberately flat: no nested objects, no unions. Both backends we target
// only need flat schemas; richer shapes are flattened to string fields by the
// provider adapters with the original semantics kept in the description.
type FieldSpec struct {
	Type        string
	Description string
	Required    bool
}

// Definition is the provider-neutral contract of one invocable tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]FieldSpec
}

// RequiredFields returns the names of all required parameters, sorted.
func (d Definition) RequiredFields() []string {
	var req []string
	for name, f := range d.Parameters {
		if f.Required {
			req = append(req, name)
		}
	}
	sort.Strings(req)
	return req
}

// Context carries the caller identity and target entity into a tool handler.
type Context struct {
	ConversationID string
	EntityID       string
	CallerID       string
}

// Output is what a successful handler produces. ArtifactID, when set, is the
// id of a downstream record the handler created (a saved script, a queued
// thumbnail job) so the audit log can link the tool call to it.
type Output struct {
	Value      any
	ArtifactID string
}

// Handler is a tool body supplied by the surrounding application. The
// executor calls it at most once per tool-call id within one pass.
type Handler func(ctx context.Context, args map[string]any, call Context) (*Output, error)

// Result is the JSON shape written into a tool-result turn and streamed to
// the caller. Failures are data, not exceptions: the model reads this on the
// next turn and can self-correct.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ArtifactID string          `json:"artifact_id,omitempty"`
}

// JSON renders the result for persistence. Marshaling a Result cannot fail
// for the field types above, the error path is kept anyway.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result serialization failed"}`
	}
	return string(b)
}

// ErrorResult wraps a failure message in the standard result shape.
func ErrorResult(msg string) Result {
	return Result{Success: false, Error: msg}
}
