// Package server exposes the orchestrator over HTTP as newline-delimited
// JSON event streams, one event per line, terminated by a done or error
// sentinel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"muse/internal/chat"
	"muse/internal/logx"
)

// TurnStreamer is the orchestrator entry point the server forwards to.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req chat.TurnRequest, emit func(chat.ClientEvent) error) error
}

// ConversationDeleter removes a whole conversation and its audit trail.
type ConversationDeleter interface {
	Delete(ctx context.Context, conversationID string) error
}

// Server hosts the turn-streaming API.
type Server struct {
	svc     TurnStreamer
	deleter ConversationDeleter
	port    int
}

func NewServer(svc TurnStreamer, deleter ConversationDeleter, port int) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{svc: svc, deleter: deleter, port: port}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		logx.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Warn("server shutdown: %v", err)
		}
	}()

	logx.Info("listening on :%d", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table. Split out so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/turns", s.handleTurn)
	mux.HandleFunc("/api/conversations/", s.handleConversation)
	return mux
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "conversation id is required", http.StatusBadRequest)
		return
	}
	if s.deleter == nil {
		http.Error(w, "deletion not supported", http.StatusNotImplemented)
		return
	}
	if err := s.deleter.Delete(r.Context(), id); err != nil {
		logx.Warn("delete conversation %s: %v", id, err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type turnPayload struct {
	ConversationID string `json:"conversation_id"`
	EntityID       string `json:"entity_id"`
	Backend        string `json:"backend"`
	Message        string `json:"message"`
	Init           bool   `json:"init"`
	ExtraSystem    string `json:"extra_system_context"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload turnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.ConversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	emit := func(ev chat.ClientEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	req := chat.TurnRequest{
		ConversationID: payload.ConversationID,
		EntityID:       payload.EntityID,
		Backend:        payload.Backend,
		UserText:       payload.Message,
		Init:           payload.Init,
		ExtraSystem:    payload.ExtraSystem,
	}
	if err := s.svc.StreamTurn(r.Context(), req, emit); err != nil {
		// The terminal error event already went to the client when the
		// connection allowed it; here it is only logged.
		logx.Warn("turn %s: %v", payload.ConversationID, err)
	}
}
