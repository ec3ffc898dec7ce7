// Package store provides the durable conversation transcript and audit-log
// backends. Turns are append-only and ordered; a conversation is only ever
// written by the single pass currently handling its active turn.
package store

import "fmt"

// AppendError wraps a failed transcript or audit write. The orchestrator
// treats this class as fatal to the pass.
type AppendError struct {
	ConversationID string
	Err            error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append failed [%s]: %v", e.ConversationID, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}
