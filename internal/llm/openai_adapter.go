package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"muse/internal/chat"
	"muse/internal/tools"
)

// OpenAIAdapter speaks the delta-accumulation wire family: tool calls arrive
// as many small events, a start carrying an id followed by argument
// fragments keyed by a choice index. The adapter relays those fragments as
// neutral events in exact arrival order and leaves reassembly to the
// assembler; text deltas and tool-call fragments share one ordered channel
// because the caller's UI reconstructs the transcript by replay order.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

func NewOpenAIAdapter(model, baseURL string) (chat.Adapter, error) {
	if model == "" {
		model = openai.GPT4o
	}
	cfg := openai.DefaultConfig(os.Getenv("OPENAI_API_KEY"))
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (a *OpenAIAdapter) OpenStream(ctx context.Context, history []chat.Turn, defs []tools.Definition, systemPrompt string) (<-chan chat.StreamEvent, error) {
	req := openai.ChatCompletionRequest{
		Model:         a.model,
		Messages:      toOpenAIMessages(history, systemPrompt),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(defs) > 0 {
		req.Tools = toOpenAITools(defs)
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open openai stream: %w", err)
	}

	ch := make(chan chat.StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		relayOpenAI(ctx, stream, ch)
	}()
	return ch, nil
}

func relayOpenAI(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- chat.StreamEvent) {
	// The wire keys argument fragments by index, not id; the id only rides
	// on the first fragment of each call.
	callIDs := make(map[int]string)
	var finishReason string
	var promptTokens, completionTokens int

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if finishReason == "" {
				// The backend signals completion with an explicit finish
				// reason; an EOF without one is a dropped stream, and
				// treating it as success would execute half-received calls.
				send(ctx, ch, chat.StreamEvent{Type: chat.EventStreamError, Err: "stream ended without a finish reason"})
				return
			}
			send(ctx, ch, chat.StreamEvent{
				Type:             chat.EventTurnFinished,
				Reason:           finishReason,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			})
			return
		}
		if err != nil {
			send(ctx, ch, chat.StreamEvent{Type: chat.EventStreamError, Err: err.Error()})
			return
		}

		if resp.Usage != nil {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, ch, chat.StreamEvent{Type: chat.EventTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" {
				callIDs[idx] = tc.ID
				if !send(ctx, ch, chat.StreamEvent{
					Type:     chat.EventToolCallStart,
					ID:       tc.ID,
					Name:     tc.Function.Name,
					Fragment: tc.Function.Arguments,
				}) {
					return
				}
				continue
			}
			id := callIDs[idx]
			if id == "" {
				// Fragment before its start event; synthesize an id so the
				// arguments are not lost.
				id = fmt.Sprintf("call-idx-%d", idx)
				callIDs[idx] = id
				if !send(ctx, ch, chat.StreamEvent{Type: chat.EventToolCallStart, ID: id, Name: tc.Function.Name}) {
					return
				}
				if tc.Function.Arguments == "" {
					continue
				}
			}
			if !send(ctx, ch, chat.StreamEvent{
				Type:     chat.EventToolCallArgsDelta,
				ID:       id,
				Name:     tc.Function.Name,
				Fragment: tc.Function.Arguments,
			}) {
				return
			}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
}

func send(ctx context.Context, ch chan<- chat.StreamEvent, ev chat.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toOpenAIMessages renders neutral history as the flat role/content message
// list this family expects: assistant tool calls ride in a parallel
// tool_calls array, tool results are their own role correlated by id.
func toOpenAIMessages(history []chat.Turn, systemPrompt string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, t := range history {
		switch t.Role {
		case chat.RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: t.Content,
			})
		case chat.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: t.Content,
			}
			for _, tc := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			messages = append(messages, msg)
		case chat.RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
				Name:       t.ToolName,
			})
		}
	}
	return messages
}

func toOpenAITools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		properties := make(map[string]any, len(def.Parameters))
		for name, field := range def.Parameters {
			fieldType, description := flattenField(field)
			properties[name] = map[string]any{
				"type":        fieldType,
				"description": description,
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   def.RequiredFields(),
				},
			},
		})
	}
	return out
}
