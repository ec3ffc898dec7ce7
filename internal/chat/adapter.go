package chat

import (
	"context"

	"muse/internal/tools"
)

// Adapter abstracts one LLM backend behind the neutral event vocabulary.
//
// OpenStream translates history and tool contracts into the backend's wire
// format, opens a streaming call, and yields StreamEvents on the returned
// channel in exact arrival order. The channel is closed when the stream ends,
// after a terminal EventTurnFinished or EventStreamError. Cancelling ctx
// aborts the underlying transport; the adapter then emits EventStreamError
// and closes the channel rather than hanging.
type Adapter interface {
	OpenStream(ctx context.Context, history []Turn, defs []tools.Definition, systemPrompt string) (<-chan StreamEvent, error)
}
