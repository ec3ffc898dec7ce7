package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muse/internal/chat"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "muse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteAppendAndLoadHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	turns := []chat.Turn{
		{Role: chat.RoleUser, Content: "make the hook punchier"},
		{
			Role:    chat.RoleAssistant,
			Content: "Updating.",
			ToolCalls: []chat.ToolCall{
				{ID: "call_1", Name: "update_script", Arguments: `{"script":"v2"}`},
			},
		},
		{Role: chat.RoleTool, Content: `{"success":true}`, ToolCallID: "call_1", ToolName: "update_script"},
	}
	for _, turn := range turns {
		_, err := db.Append(ctx, "conv-1", turn)
		require.NoError(t, err)
	}

	got, err := db.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, chat.RoleUser, got[0].Role)
	assert.Equal(t, "make the hook punchier", got[0].Content)
	require.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, `{"script":"v2"}`, got[1].ToolCalls[0].Arguments)
	assert.Equal(t, "call_1", got[2].ToolCallID)
	assert.Equal(t, "update_script", got[2].ToolName)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestSQLiteHistoryOrderedByAppendNotTimestamp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Later appends with earlier timestamps must still come back last.
	early := time.Now().UTC().Add(-time.Hour)
	_, err := db.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleUser, Content: "first"})
	require.NoError(t, err)
	_, err = db.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleAssistant, Content: "second", CreatedAt: early})
	require.NoError(t, err)

	got, err := db.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
}

func TestSQLiteTruncatedFlagRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleAssistant, Content: "partial", Truncated: true})
	require.NoError(t, err)

	got, err := db.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, got[0].Truncated)
}

func TestSQLiteConversationsIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleUser, Content: "a"})
	require.NoError(t, err)
	_, err = db.Append(ctx, "conv-2", chat.Turn{Role: chat.RoleUser, Content: "b"})
	require.NoError(t, err)

	got, err := db.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
}

func TestSQLiteDeleteRemovesWholeConversation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleUser, Content: "a"})
	require.NoError(t, err)
	require.NoError(t, db.AuditLog().Append(ctx, chat.GenerationRecord{ConversationID: "conv-1"}))

	require.NoError(t, db.Delete(ctx, "conv-1"))

	got, err := db.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteAuditAppend(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := chat.GenerationRecord{
		ConversationID:   "conv-1",
		EntityID:         "idea-9",
		Provider:         "openai",
		Prompt:           `[{"role":"user","content":"hi"}]`,
		Response:         "hello",
		PromptTokens:     10,
		CompletionTokens: 2,
		ToolArtifacts:    map[string]string{"call_1": "rev-1"},
	}
	require.NoError(t, db.AuditLog().Append(ctx, rec))

	var count int
	require.NoError(t, db.db.QueryRow(
		`SELECT COUNT(*) FROM generation_logs WHERE conversation_id = 'conv-1'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMemoryStoreMatchesSQLiteSemantics(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	id, err := mem.Append(ctx, "conv-1", chat.Turn{Role: chat.RoleUser, Content: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := mem.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Mutating the returned slice must not affect the store.
	got[0].Content = "mutated"
	again, err := mem.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Content)

	require.NoError(t, mem.Delete(ctx, "conv-1"))
	empty, err := mem.LoadHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	audit := NewMemoryAudit()
	require.NoError(t, audit.Append(ctx, chat.GenerationRecord{ConversationID: "conv-1"}))
	assert.Len(t, audit.Records(), 1)
}
