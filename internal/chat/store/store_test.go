package store

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/db"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := New(sqlx.NewDb(conn, db.DriverSQLite))
	require.NoError(t, err)
	return s
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestSQLStore_ModelRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := chat.NewModel("sess-1", chat.Options{Backend: "claude-code", Store: s, Logger: newTestLogger(t)})
	m.SetMeta(chat.SessionMeta{Model: "sonnet", Cwd: "/work"})

	toolID, err := m.AddEntry(chat.PrimaryConversationID, &chat.ToolUse{CallID: "c1", Name: "Bash", IsStreaming: true})
	require.NoError(t, err)
	require.NoError(t, m.MutateToolResult(chat.PrimaryConversationID, toolID, "exit 0", false))
	m.PersistToolResult("c1", "exit 0", false)

	agent, err := m.CreateSubagentConversation("toolu_9", "Explore", "scan repo")
	require.NoError(t, err)
	_, err = m.AddEntry(agent.ConversationID, &chat.Text{Role: chat.RoleAssistant, Text: "looking"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateAgentStatus("toolu_9", chat.AgentCompleted, chat.AgentUpdate{Result: "found 3", ResumeID: "a-1"}))
	require.NoError(t, m.SetTitle("Fix the build"))

	snap, err := s.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix the build", snap.Title)
	assert.Equal(t, "claude-code", snap.Backend)
	assert.Equal(t, "sonnet", snap.Meta.Model)
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, chat.PrimaryConversationID, snap.Conversations[0].ID)

	require.Len(t, snap.Conversations[0].Entries, 1)
	tool, ok := snap.Conversations[0].Entries[0].(*chat.ToolUse)
	require.True(t, ok)
	assert.Equal(t, toolID, tool.EntryID())
	assert.True(t, tool.HasResult)
	assert.False(t, tool.IsStreaming)

	require.Len(t, snap.Agents, 1)
	assert.Equal(t, chat.AgentCompleted, snap.Agents[0].Status)
	assert.Equal(t, "a-1", snap.Agents[0].ResumeID)
	require.Len(t, snap.Conversations[1].Entries, 1)

	out, isErr, err := s.ToolResult(ctx, "sess-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "exit 0", out)
	assert.False(t, isErr)
}

func TestSQLStore_ToolResultUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat.NewModel("sess-2", chat.Options{Store: s, Logger: newTestLogger(t)})

	require.NoError(t, s.SaveToolResult(ctx, "sess-2", "c1", "first", false))
	require.NoError(t, s.SaveToolResult(ctx, "sess-2", "c1", "second", true))

	out, isErr, err := s.ToolResult(ctx, "sess-2", "c1")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.True(t, isErr)

	_, _, err = s.ToolResult(ctx, "sess-2", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ListAndMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat.NewModel("a", chat.Options{Store: s, Logger: newTestLogger(t)})
	chat.NewModel("b", chat.Options{Store: s, Logger: newTestLogger(t)})

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	_, err = s.LoadSession(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}
