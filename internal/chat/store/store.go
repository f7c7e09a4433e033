// Package store persists session models to SQLite or PostgreSQL through sqlx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/eventpipe/internal/chat"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// SQLStore implements chat.Store. The same SQL runs on both drivers; queries
// go through Rebind for placeholder syntax.
type SQLStore struct {
	db *sqlx.DB
}

var _ chat.Store = (*SQLStore)(nil)

// New creates the store and ensures its tables exist.
func New(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession upserts the session header.
func (s *SQLStore) SaveSession(ctx context.Context, rec *chat.SessionRecord) error {
	meta := string(rec.Meta)
	if meta == "" {
		meta = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, backend, title, status, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			backend = excluded.backend,
			title = excluded.title,
			status = excluded.status,
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`), rec.ID, rec.Backend, rec.Title, rec.Status, meta, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// SaveConversation inserts a conversation header; existing rows are kept.
func (s *SQLStore) SaveConversation(ctx context.Context, sessionID string, rec *chat.ConversationRecord) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (session_id, id, parent_agent_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO NOTHING
	`), sessionID, rec.ID, rec.ParentAgentID, rec.CreatedAt)
	return err
}

// SaveEntry upserts an entry at its position in the conversation.
func (s *SQLStore) SaveEntry(ctx context.Context, sessionID, conversationID string, seq int, entry chat.Entry) error {
	body, err := chat.MarshalEntry(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.EntryID(), err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO entries (session_id, conversation_id, id, seq, kind, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			seq = excluded.seq,
			body = excluded.body,
			updated_at = excluded.updated_at
	`), sessionID, conversationID, entry.EntryID(), seq, string(entry.EntryKind()), string(body), now, now)
	return err
}

// SaveAgent upserts a subagent record.
func (s *SQLStore) SaveAgent(ctx context.Context, sessionID string, a *chat.AgentRecord) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (
			session_id, sdk_agent_id, conversation_id, agent_type, description,
			status, resume_id, result_summary, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sdk_agent_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status = excluded.status,
			resume_id = excluded.resume_id,
			result_summary = excluded.result_summary,
			updated_at = excluded.updated_at
	`), sessionID, a.SDKAgentID, a.ConversationID, a.AgentType, a.Description,
		string(a.Status), a.ResumeID, a.ResultSummary, a.CreatedAt, a.UpdatedAt)
	return err
}

// SaveToolResult upserts the result of a tool call.
func (s *SQLStore) SaveToolResult(ctx context.Context, sessionID, callID, output string, isError bool) error {
	errFlag := 0
	if isError {
		errFlag = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tool_results (session_id, call_id, output, is_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, call_id) DO UPDATE SET
			output = excluded.output,
			is_error = excluded.is_error,
			updated_at = excluded.updated_at
	`), sessionID, callID, output, errFlag, time.Now().UTC())
	return err
}

// ToolResult returns a stored tool result.
func (s *SQLStore) ToolResult(ctx context.Context, sessionID, callID string) (string, bool, error) {
	var row struct {
		Output  string `db:"output"`
		IsError int    `db:"is_error"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT output, is_error FROM tool_results WHERE session_id = ? AND call_id = ?`), sessionID, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	return row.Output, row.IsError != 0, nil
}

type sessionRow struct {
	ID        string    `db:"id"`
	Backend   string    `db:"backend"`
	Title     string    `db:"title"`
	Status    string    `db:"status"`
	Meta      string    `db:"meta"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sessionRow) record() chat.SessionRecord {
	return chat.SessionRecord{
		ID:        r.ID,
		Backend:   r.Backend,
		Title:     r.Title,
		Status:    r.Status,
		Meta:      json.RawMessage(r.Meta),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ListSessions returns session headers, most recently updated first.
func (s *SQLStore) ListSessions(ctx context.Context) ([]chat.SessionRecord, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, backend, title, status, meta, created_at, updated_at FROM sessions ORDER BY updated_at DESC`); err != nil {
		return nil, err
	}
	out := make([]chat.SessionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// LoadSession rebuilds a persisted session snapshot.
func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (*chat.SessionSnapshot, error) {
	var head sessionRow
	err := s.db.GetContext(ctx, &head, s.db.Rebind(
		`SELECT id, backend, title, status, meta, created_at, updated_at FROM sessions WHERE id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	snap := &chat.SessionSnapshot{
		SessionID:             head.ID,
		Backend:               head.Backend,
		Title:                 head.Title,
		Status:                head.Status,
		PrimaryConversationID: chat.PrimaryConversationID,
		Closed:                true,
	}
	if head.Meta != "" {
		if err := json.Unmarshal([]byte(head.Meta), &snap.Meta); err != nil {
			return nil, fmt.Errorf("decode session meta: %w", err)
		}
	}

	var convs []chat.ConversationRecord
	if err := s.db.SelectContext(ctx, &convs, s.db.Rebind(
		`SELECT id, parent_agent_id, created_at FROM conversations WHERE session_id = ? ORDER BY created_at, id`), sessionID); err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(convs))
	for _, c := range convs {
		byID[c.ID] = len(snap.Conversations)
		snap.Conversations = append(snap.Conversations, chat.ConversationSnapshot{
			ID:            c.ID,
			ParentAgentID: c.ParentAgentID,
			CreatedAt:     c.CreatedAt,
		})
	}

	var entries []struct {
		ConversationID string `db:"conversation_id"`
		Body           string `db:"body"`
	}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(
		`SELECT conversation_id, body FROM entries WHERE session_id = ? ORDER BY conversation_id, seq`), sessionID); err != nil {
		return nil, err
	}
	for _, row := range entries {
		pos, ok := byID[row.ConversationID]
		if !ok {
			continue
		}
		e, err := chat.UnmarshalEntry([]byte(row.Body))
		if err != nil {
			return nil, err
		}
		snap.Conversations[pos].Entries = append(snap.Conversations[pos].Entries, e)
	}

	if err := s.db.SelectContext(ctx, &snap.Agents, s.db.Rebind(`
		SELECT sdk_agent_id, conversation_id, agent_type, description, status,
			resume_id, result_summary, created_at, updated_at
		FROM agents WHERE session_id = ? ORDER BY created_at, sdk_agent_id`), sessionID); err != nil {
		return nil, err
	}
	return snap, nil
}
