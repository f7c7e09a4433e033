package chat

import (
	"context"
	"encoding/json"
	"time"
)

// SessionMeta is what the backend reports about itself at initialization.
type SessionMeta struct {
	BackendSessionID string   `json:"backend_session_id,omitempty"`
	Model            string   `json:"model,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	Tools            []string `json:"tools,omitempty"`
}

// SessionRecord is the persisted header of a session.
type SessionRecord struct {
	ID        string          `db:"id"`
	Backend   string          `db:"backend"`
	Title     string          `db:"title"`
	Status    string          `db:"status"`
	Meta      json.RawMessage `db:"meta"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// ConversationRecord is the persisted header of a conversation.
type ConversationRecord struct {
	ID            string    `db:"id"`
	ParentAgentID string    `db:"parent_agent_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// Store persists a session's model. Implementations must upsert: the model
// saves the same entry again after every in-place mutation.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	SaveConversation(ctx context.Context, sessionID string, rec *ConversationRecord) error
	SaveEntry(ctx context.Context, sessionID, conversationID string, seq int, entry Entry) error
	SaveAgent(ctx context.Context, sessionID string, agent *AgentRecord) error
	SaveToolResult(ctx context.Context, sessionID, callID, output string, isError bool) error
}
