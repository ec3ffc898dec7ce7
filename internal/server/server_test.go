package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muse/internal/chat"
)

type fakeStreamer struct {
	gotReq chat.TurnRequest
	events []chat.ClientEvent
	err    error
}

func (f *fakeStreamer) StreamTurn(_ context.Context, req chat.TurnRequest, emit func(chat.ClientEvent) error) error {
	f.gotReq = req
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return f.err
}

func postTurn(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeLines(t *testing.T, body string) []chat.ClientEvent {
	t.Helper()
	var events []chat.ClientEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev chat.ClientEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		events = append(events, ev)
	}
	return events
}

func TestHandleTurnStreamsNDJSON(t *testing.T) {
	streamer := &fakeStreamer{events: []chat.ClientEvent{
		{Type: "text", Content: "Hello "},
		{Type: "text", Content: "world"},
		{Type: "tool_call", Name: "update_script", Arguments: json.RawMessage(`{"script":"v2"}`)},
		{Type: "tool_result", Name: "update_script", Result: json.RawMessage(`{"success":true}`)},
		{Type: "done"},
	}}
	srv := NewServer(streamer, nil, 0)

	rec := postTurn(t, srv.Handler(), `{
		"conversation_id": "conv-1",
		"entity_id": "idea-9",
		"backend": "openai",
		"message": "make the hook punchier"
	}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := decodeLines(t, rec.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, "text", events[0].Type)
	assert.Equal(t, "done", events[4].Type)

	assert.Equal(t, "conv-1", streamer.gotReq.ConversationID)
	assert.Equal(t, "idea-9", streamer.gotReq.EntityID)
	assert.Equal(t, "openai", streamer.gotReq.Backend)
	assert.Equal(t, "make the hook punchier", streamer.gotReq.UserText)
}

func TestHandleTurnPassesInitAndExtraContext(t *testing.T) {
	streamer := &fakeStreamer{events: []chat.ClientEvent{{Type: "done"}}}
	srv := NewServer(streamer, nil, 0)

	postTurn(t, srv.Handler(), `{
		"conversation_id": "conv-1",
		"backend": "gemini",
		"init": true,
		"extra_system_context": "ask about the target audience"
	}`)

	assert.True(t, streamer.gotReq.Init)
	assert.Equal(t, "ask about the target audience", streamer.gotReq.ExtraSystem)
}

func TestHandleTurnErrorEventStillStatusOK(t *testing.T) {
	// Headers are flushed before the orchestrator runs, so failures surface
	// as a terminal error event, not an HTTP status.
	streamer := &fakeStreamer{
		events: []chat.ClientEvent{{Type: "error", Error: "provider stream: connection reset"}},
		err:    errors.New("provider stream: connection reset"),
	}
	srv := NewServer(streamer, nil, 0)

	rec := postTurn(t, srv.Handler(), `{"conversation_id":"conv-1","backend":"openai","message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	events := decodeLines(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Contains(t, events[0].Error, "connection reset")
}

func TestHandleTurnRejectsBadRequests(t *testing.T) {
	srv := NewServer(&fakeStreamer{}, nil, 0)

	rec := postTurn(t, srv.Handler(), `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postTurn(t, srv.Handler(), `{"backend":"openai"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/turns", nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, getRec.Code)
}

type fakeDeleter struct {
	deleted []string
	err     error
}

func (f *fakeDeleter) Delete(_ context.Context, conversationID string) error {
	f.deleted = append(f.deleted, conversationID)
	return f.err
}

func TestHandleConversationDelete(t *testing.T) {
	deleter := &fakeDeleter{}
	srv := NewServer(&fakeStreamer{}, deleter, 0)

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/conv-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"conv-1"}, deleter.deleted)

	req = httptest.NewRequest(http.MethodDelete, "/api/conversations/", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleConversationDeleteWithoutDeleter(t *testing.T) {
	srv := NewServer(&fakeStreamer{}, nil, 0)

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/conv-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
