package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"muse/internal/logx"
	"muse/internal/tools"
)

var (
	// ErrConversationBusy rejects a second turn on a conversation whose
	// previous turn is still running. Per-conversation writes are sequential
	// by protocol; interleaving them would corrupt the transcript.
	ErrConversationBusy = errors.New("conversation has a turn in progress")

	ErrUnknownBackend = errors.New("unknown backend")
	ErrEmptyInput     = errors.New("empty input")
)

// maxToolRounds bounds how many times one turn may go back to the provider
// with tool results. A model stuck requesting tools forever ends the turn
// after the last executed round instead of looping.
const maxToolRounds = 4

// ConversationStore is the durable, ordered, append-only transcript backend.
type ConversationStore interface {
	LoadHistory(ctx context.Context, conversationID string) ([]Turn, error)
	Append(ctx context.Context, conversationID string, turn Turn) (string, error)
}

// AuditSink accepts one GenerationRecord per provider round-trip.
type AuditSink interface {
	Append(ctx context.Context, rec GenerationRecord) error
}

// SystemPromptFunc builds the system prompt for a turn. The prompt content
// belongs to the surrounding application; this core only passes it through.
type SystemPromptFunc func(req TurnRequest) string

// TurnRequest describes one incoming user turn. Init marks an initialization
// turn that carries no user text; ExtraSystem is opaque caller-supplied text
// appended to the system prompt.
type TurnRequest struct {
	ConversationID string
	EntityID       string
	Backend        string
	UserText       string
	Init           bool
	ExtraSystem    string
	CallerID       string
}

// Service runs one orchestration pass per incoming turn: load history, open
// the provider stream, forward text, assemble tool calls, execute them in
// completion order, persist every turn, write the audit record, and go back
// to the provider with the tool results until it answers in plain text. Many
// passes may run concurrently across different conversations; within one
// pass everything is sequential.
type Service struct {
	adapters     map[string]Adapter
	store        ConversationStore
	audit        AuditSink
	registry     *tools.Registry
	systemPrompt SystemPromptFunc

	mu     sync.Mutex
	active map[string]struct{}
}

type ServiceOption func(*Service)

// WithAdapter registers a backend under a name callers select per request.
func WithAdapter(backend string, a Adapter) ServiceOption {
	return func(s *Service) { s.adapters[backend] = a }
}

func WithSystemPrompt(fn SystemPromptFunc) ServiceOption {
	return func(s *Service) { s.systemPrompt = fn }
}

func NewService(store ConversationStore, audit AuditSink, registry *tools.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		adapters:     make(map[string]Adapter),
		store:        store,
		audit:        audit,
		registry:     registry,
		systemPrompt: func(TurnRequest) string { return defaultSystemPrompt },
		active:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const defaultSystemPrompt = "You are a content-planning assistant. " +
	"Use the provided tools to update scripts, regenerate ideas, and queue thumbnails when asked."

// emitter wraps the caller's event callback. After the first delivery
// failure the caller is gone and every later send becomes a no-op; the pass
// keeps running so assembled state still reaches the store.
type emitter struct {
	send   func(ClientEvent) error
	failed bool
}

func (e *emitter) emit(ev ClientEvent) error {
	if e.failed || e.send == nil {
		return nil
	}
	if err := e.send(ev); err != nil {
		e.failed = true
		return err
	}
	return nil
}

func (e *emitter) emitError(err error) {
	if e.failed || e.send == nil {
		return
	}
	if emitErr := e.send(ClientEvent{Type: "error", Error: err.Error()}); emitErr != nil {
		e.failed = true
		logx.Debug("error event not delivered: %v", emitErr)
	}
}

// StreamTurn executes one pass and feeds ClientEvents to emit in replay
// order. The stream always terminates with a done or error event unless the
// caller itself disconnected. The store, not the live stream, is
// authoritative: on any ambiguity the caller re-fetches the transcript.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest, emit func(ClientEvent) error) error {
	em := &emitter{send: emit}

	adapter, ok := s.adapters[req.Backend]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownBackend, req.Backend)
		em.emitError(err)
		return err
	}
	req.UserText = strings.TrimSpace(req.UserText)
	if !req.Init && req.UserText == "" {
		em.emitError(ErrEmptyInput)
		return ErrEmptyInput
	}

	if !s.acquire(req.ConversationID) {
		em.emitError(ErrConversationBusy)
		return ErrConversationBusy
	}
	defer s.release(req.ConversationID)

	history, err := s.store.LoadHistory(ctx, req.ConversationID)
	if err != nil {
		return s.fatal(ctx, req, em, nil, "", fmt.Errorf("load history: %w", err))
	}

	// Persist the user turn before anything can fail downstream, so it
	// survives even when generation does not.
	if !req.Init {
		userTurn := Turn{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Content:   req.UserText,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := s.store.Append(ctx, req.ConversationID, userTurn); err != nil {
			return s.fatal(ctx, req, em, nil, "", fmt.Errorf("persist user turn: %w", err))
		}
		history = append(history, userTurn)
	}

	sysPrompt := s.systemPrompt(req)
	if extra := strings.TrimSpace(req.ExtraSystem); extra != "" {
		sysPrompt = sysPrompt + "\n\n" + extra
	}

	// One executor for the whole pass: a call id repeated across rounds
	// still runs at most once.
	executor := tools.NewExecutor(s.registry)

	for round := 0; ; round++ {
		toolsRan, err := s.runRound(ctx, req, adapter, executor, &history, sysPrompt, em)
		if err != nil {
			return err
		}
		// A round that executed tools goes back to the provider so the
		// model sees the results, unless the caller is gone or the round
		// budget is spent.
		if !toolsRan || em.failed || round+1 >= maxToolRounds {
			break
		}
	}

	if em.failed {
		return errors.New("caller disconnected mid-stream")
	}
	return em.emit(ClientEvent{Type: "done"})
}

// runRound performs one provider round-trip: stream, assemble, persist the
// assistant turn, execute its tool calls, persist each result, and write the
// audit record. It reports whether any tools ran so the caller knows to go
// back to the provider.
func (s *Service) runRound(ctx context.Context, req TurnRequest, adapter Adapter, executor *tools.Executor, history *[]Turn, sysPrompt string, em *emitter) (bool, error) {
	promptJSON := historyJSON(*history, sysPrompt)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := adapter.OpenStream(streamCtx, *history, s.registry.Definitions(), sysPrompt)
	if err != nil {
		return false, s.fatal(ctx, req, em, *history, "", fmt.Errorf("open stream: %w", err))
	}

	asm := NewAssembler()
	var text strings.Builder
	var completed []tools.Call
	var finished bool
	var streamErr string
	var promptTokens, completionTokens int

	for ev := range events {
		for _, out := range asm.Feed(ev) {
			switch out.Type {
			case EventTextDelta:
				text.WriteString(out.Text)
				if err := em.emit(ClientEvent{Type: "text", Content: out.Text}); err != nil {
					// Caller disconnected: abort the provider stream but
					// keep what was assembled so it can be persisted.
					cancel()
				}
			case EventToolCallComplete:
				completed = append(completed, tools.Call{
					ID:            out.ID,
					Name:          out.Name,
					ArgumentsJSON: out.ArgumentsJSON,
					Malformed:     out.Malformed,
				})
			case EventTurnFinished:
				finished = true
				promptTokens = out.PromptTokens
				completionTokens = out.CompletionTokens
			case EventStreamError:
				streamErr = out.Err
			}
		}
	}

	truncated := !finished

	// Persist the assistant turn before any tool runs; a tool-result turn
	// must never exist without the assistant turn that declared its call.
	if finished || text.Len() > 0 || len(completed) > 0 {
		turn := Turn{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   text.String(),
			Truncated: truncated,
			CreatedAt: time.Now().UTC(),
		}
		for _, call := range completed {
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.ArgumentsJSON,
			})
		}
		if _, err := s.store.Append(ctx, req.ConversationID, turn); err != nil {
			return false, s.fatal(ctx, req, em, *history, text.String(), fmt.Errorf("persist assistant turn: %w", err))
		}
		*history = append(*history, turn)
	}

	// Tool calls run strictly in completion order, never concurrently, and
	// only for cleanly finished streams: a call that never saw its finish
	// signal was not completed and a truncated turn is the caller's to
	// retry. Each result is persisted before the next handler starts, since
	// a later handler may depend on state the earlier one wrote.
	artifacts := make(map[string]string)
	toolsRan := false
	if finished && len(completed) > 0 {
		callCtx := tools.Context{
			ConversationID: req.ConversationID,
			EntityID:       req.EntityID,
			CallerID:       req.CallerID,
		}
		for _, call := range completed {
			em.emit(ClientEvent{Type: "tool_call", Name: call.Name, Arguments: json.RawMessage(call.ArgumentsJSON)})
			res := executor.Execute(ctx, call, callCtx)
			toolsRan = true
			resultTurn := Turn{
				ID:         uuid.NewString(),
				Role:       RoleTool,
				Content:    res.JSON(),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				CreatedAt:  time.Now().UTC(),
			}
			if _, err := s.store.Append(ctx, req.ConversationID, resultTurn); err != nil {
				return false, s.fatal(ctx, req, em, *history, text.String(), fmt.Errorf("persist tool result: %w", err))
			}
			*history = append(*history, resultTurn)
			if res.ArtifactID != "" {
				artifacts[call.ID] = res.ArtifactID
			}
			em.emit(ClientEvent{Type: "tool_result", Name: call.Name, Result: json.RawMessage(res.JSON())})
		}
	}

	rec := GenerationRecord{
		ID:               uuid.NewString(),
		ConversationID:   req.ConversationID,
		EntityID:         req.EntityID,
		Provider:         req.Backend,
		Prompt:           promptJSON,
		Response:         text.String(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ToolArtifacts:    artifacts,
		Error:            streamErr,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.audit.Append(ctx, rec); err != nil {
		if streamErr == "" && !em.failed {
			// On the happy path a lost audit record means the stored and
			// observed transcripts diverge, so the pass fails.
			wrapped := fmt.Errorf("write audit record: %w", err)
			em.emitError(wrapped)
			return false, wrapped
		}
		logx.Warn("audit write failed on error path: %v", err)
	}

	if streamErr != "" {
		err := fmt.Errorf("provider stream: %s", streamErr)
		em.emitError(err)
		return false, err
	}
	return toolsRan, nil
}

// fatal handles the unrecoverable class of errors: it still attempts the
// audit write with the error attached, tells the caller, and ends the pass.
func (s *Service) fatal(ctx context.Context, req TurnRequest, em *emitter, history []Turn, response string, err error) error {
	rec := GenerationRecord{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		EntityID:       req.EntityID,
		Provider:       req.Backend,
		Prompt:         historyJSON(history, ""),
		Response:       response,
		Error:          err.Error(),
		CreatedAt:      time.Now().UTC(),
	}
	if auditErr := s.audit.Append(ctx, rec); auditErr != nil {
		logx.Warn("audit write failed during error handling: %v", auditErr)
	}
	em.emitError(err)
	return err
}

func (s *Service) acquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[conversationID]; busy {
		return false
	}
	s.active[conversationID] = struct{}{}
	return true
}

func (s *Service) release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, conversationID)
}

// historyJSON serializes the exact context of a round-trip for the audit
// record.
func historyJSON(history []Turn, systemPrompt string) string {
	type promptTurn struct {
		Role       Role       `json:"role"`
		Content    string     `json:"content,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}
	out := make([]promptTurn, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, promptTurn{Role: RoleSystem, Content: systemPrompt})
	}
	for _, t := range history {
		out = append(out, promptTurn{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}
