package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"muse/internal/chat"
)

// Memory keeps transcripts in process memory, keyed by conversation id.
// It backs tests and ephemeral runs; semantics match the sqlite store.
type Memory struct {
	mu    sync.RWMutex
	turns map[string][]chat.Turn
}

func NewMemory() *Memory {
	return &Memory{turns: make(map[string][]chat.Turn)}
}

func (m *Memory) LoadHistory(_ context.Context, conversationID string) ([]chat.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[conversationID]
	out := make([]chat.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *Memory) Append(_ context.Context, conversationID string, turn chat.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[conversationID] = append(m.turns[conversationID], turn)
	return turn.ID, nil
}

func (m *Memory) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, conversationID)
	return nil
}

// MemoryAudit collects generation records in memory.
type MemoryAudit struct {
	mu      sync.RWMutex
	records []chat.GenerationRecord
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Append(_ context.Context, rec chat.GenerationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (a *MemoryAudit) Records() []chat.GenerationRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]chat.GenerationRecord, len(a.records))
	copy(out, a.records)
	return out
}
