package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"muse/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	tool_calls      TEXT,
	tool_call_id    TEXT,
	tool_name       TEXT,
	truncated       INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_conversation_seq
	ON conversation_turns (conversation_id, seq);

CREATE TABLE IF NOT EXISTS generation_logs (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL,
	entity_id         TEXT,
	provider          TEXT,
	prompt            TEXT,
	response          TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	tool_artifacts    TEXT,
	error             TEXT,
	created_at        TEXT NOT NULL
);
`

// SQLite is the durable transcript store. Each Append is one transaction, so
// a concurrent reader never observes a partial turn.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// AuditLog returns the audit-sink view over the same database.
func (s *SQLite) AuditLog() *SQLiteAudit {
	return &SQLiteAudit{db: s.db}
}

func (s *SQLite) LoadHistory(ctx context.Context, conversationID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, truncated, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var t chat.Turn
		var toolCalls, toolCallID, toolName sql.NullString
		var truncated int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &toolCalls, &toolCallID, &toolName, &truncated, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for turn %s: %w", t.ID, err)
			}
		}
		t.ToolCallID = toolCallID.String
		t.ToolName = toolName.String
		t.Truncated = truncated != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return turns, nil
}

func (s *SQLite) Append(ctx context.Context, conversationID string, turn chat.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var toolCalls any
	if len(turn.ToolCalls) > 0 {
		encoded, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return "", &AppendError{ConversationID: conversationID, Err: err}
		}
		toolCalls = string(encoded)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &AppendError{ConversationID: conversationID, Err: err}
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return "", &AppendError{ConversationID: conversationID, Err: err}
	}

	truncated := 0
	if turn.Truncated {
		truncated = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns
			(id, conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, conversationID, seq, string(turn.Role), turn.Content,
		toolCalls, nullable(turn.ToolCallID), nullable(turn.ToolName),
		truncated, turn.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return "", &AppendError{ConversationID: conversationID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &AppendError{ConversationID: conversationID, Err: err}
	}
	return turn.ID, nil
}

// Delete removes a whole conversation and its audit trail. Turns are never
// deleted individually.
func (s *SQLite) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM generation_logs WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete generation logs: %w", err)
	}
	return nil
}

// SQLiteAudit appends generation records to the generation_logs table.
type SQLiteAudit struct {
	db *sql.DB
}

func (a *SQLiteAudit) Append(ctx context.Context, rec chat.GenerationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var artifacts any
	if len(rec.ToolArtifacts) > 0 {
		encoded, err := json.Marshal(rec.ToolArtifacts)
		if err != nil {
			return &AppendError{ConversationID: rec.ConversationID, Err: err}
		}
		artifacts = string(encoded)
	}
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO generation_logs
			(id, conversation_id, entity_id, provider, prompt, response,
			 prompt_tokens, completion_tokens, tool_artifacts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.EntityID, rec.Provider, rec.Prompt, rec.Response,
		rec.PromptTokens, rec.CompletionTokens, artifacts, rec.Error,
		rec.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return &AppendError{ConversationID: rec.ConversationID, Err: err}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
