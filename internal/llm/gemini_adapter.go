package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"muse/internal/chat"
	"muse/internal/tools"
)

// sentinelFunction tags a best-effort function response whose declaring tool
// call could not be found in history. The request still goes through; the
// backend just sees an unattributed result.
const sentinelFunction = "unknown_function"

// GeminiAdapter speaks the whole-object wire family: function calls arrive
// already parsed inline with text, so there is no accumulation phase. The
// backend assigns no call ids, so the adapter synthesizes them; uniqueness
// only matters within one orchestration pass.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiAdapter(model string) (chat.Adapter, error) {
	if model == "" {
		model = "gemini-1.5-pro"
	}
	var opts []option.ClientOption
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAdapter{client: client, model: model}, nil
}

func (a *GeminiAdapter) OpenStream(ctx context.Context, history []chat.Turn, defs []tools.Definition, systemPrompt string) (<-chan chat.StreamEvent, error) {
	model := a.client.GenerativeModel(a.model)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	if len(defs) > 0 {
		model.Tools = toGeminiTools(defs)
	}

	past, message := toGeminiHistory(history)
	session := model.StartChat()
	session.History = past
	iter := session.SendMessageStream(ctx, message...)

	ch := make(chan chat.StreamEvent)
	go func() {
		defer close(ch)
		relayGemini(ctx, iter, ch)
	}()
	return ch, nil
}

func relayGemini(ctx context.Context, iter *genai.GenerateContentResponseIterator, ch chan<- chat.StreamEvent) {
	finishReason := "stop"
	var promptTokens, completionTokens int

	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
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

		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason != genai.FinishReasonUnspecified {
				finishReason = strings.ToLower(cand.FinishReason.String())
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					if p == "" {
						continue
					}
					if !send(ctx, ch, chat.StreamEvent{Type: chat.EventTextDelta, Text: string(p)}) {
						return
					}
				case genai.FunctionCall:
					args, err := json.Marshal(p.Args)
					if err != nil || p.Args == nil {
						args = []byte("{}")
					}
					if !send(ctx, ch, chat.StreamEvent{
						Type:          chat.EventToolCallComplete,
						ID:            syntheticCallID(),
						Name:          p.Name,
						ArgumentsJSON: string(args),
					}) {
						return
					}
				}
			}
		}
	}
}

// syntheticCallID makes an id for a backend that does not provide one. A
// high-resolution timestamp plus random suffix is enough: the id is only a
// map key within a single pass, never a global identifier.
func syntheticCallID() string {
	return fmt.Sprintf("call-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// toGeminiHistory converts neutral turns into chat session history plus the
// parts of the final message to send. The backend wants the trailing user
// turn as the sent message, not as history.
func toGeminiHistory(history []chat.Turn) ([]*genai.Content, []genai.Part) {
	contents := make([]*genai.Content, 0, len(history))
	for i, t := range history {
		switch t.Role {
		case chat.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(t.Content)},
			})
		case chat.RoleAssistant:
			var parts []genai.Part
			if t.Content != "" {
				parts = append(parts, genai.Text(t.Content))
			}
			for _, tc := range t.ToolCalls {
				parts = append(parts, genai.FunctionCall{
					Name: tc.Name,
					Args: argsMap(tc.Arguments),
				})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.Text(" "))
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case chat.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     functionNameForResult(history[:i], t),
					Response: responseMap(t.Content),
				}},
			})
		}
	}

	// Pop a trailing plain user turn off as the message to send.
	if n := len(contents); n > 0 && contents[n-1].Role == "user" {
		return contents[:n-1], contents[n-1].Parts
	}
	return contents, []genai.Part{genai.Text(" ")}
}

// functionNameForResult finds the tool name a result turn answers by looking
// backward for the assistant turn that declared the matching call id. When
// nothing matches, the response is still sent, tagged with a sentinel name,
// rather than failing the whole request.
func functionNameForResult(earlier []chat.Turn, result chat.Turn) string {
	if result.ToolName != "" {
		return result.ToolName
	}
	for i := len(earlier) - 1; i >= 0; i-- {
		if earlier[i].Role != chat.RoleAssistant {
			continue
		}
		for _, tc := range earlier[i].ToolCalls {
			if tc.ID == result.ToolCallID {
				return tc.Name
			}
		}
	}
	return sentinelFunction
}

func argsMap(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func responseMap(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err != nil || m == nil {
		return map[string]any{"output": content}
	}
	return m
}

func toGeminiTools(defs []tools.Definition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		properties := make(map[string]*genai.Schema, len(def.Parameters))
		for name, field := range def.Parameters {
			fieldType, description := flattenField(field)
			properties[name] = &genai.Schema{
				Type:        geminiType(fieldType),
				Description: description,
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.RequiredFields(),
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func geminiType(fieldType string) genai.Type {
	switch fieldType {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}
