package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConversationSnapshot is a read-only copy of a conversation.
type ConversationSnapshot struct {
	ID            string    `json:"id"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Entries       []Entry   `json:"-"`
}

type conversationJSON struct {
	ID            string            `json:"id"`
	ParentAgentID string            `json:"parent_agent_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Entries       []json.RawMessage `json:"entries"`
}

// MarshalJSON encodes the conversation with its entries tagged by kind.
func (c ConversationSnapshot) MarshalJSON() ([]byte, error) {
	out := conversationJSON{
		ID:            c.ID,
		ParentAgentID: c.ParentAgentID,
		CreatedAt:     c.CreatedAt,
		Entries:       make([]json.RawMessage, 0, len(c.Entries)),
	}
	for _, e := range c.Entries {
		data, err := MarshalEntry(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s entry: %w", e.EntryKind(), err)
		}
		out.Entries = append(out.Entries, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a conversation produced by MarshalJSON.
func (c *ConversationSnapshot) UnmarshalJSON(data []byte) error {
	var in conversationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.ID = in.ID
	c.ParentAgentID = in.ParentAgentID
	c.CreatedAt = in.CreatedAt
	c.Entries = make([]Entry, 0, len(in.Entries))
	for _, raw := range in.Entries {
		e, err := UnmarshalEntry(raw)
		if err != nil {
			return err
		}
		c.Entries = append(c.Entries, e)
	}
	return nil
}

// SessionSnapshot is a read-only copy of a session's model.
type SessionSnapshot struct {
	SessionID             string                 `json:"session_id"`
	Backend               string                 `json:"backend,omitempty"`
	Title                 string                 `json:"title,omitempty"`
	Status                string                 `json:"status,omitempty"`
	Meta                  SessionMeta            `json:"meta"`
	PrimaryConversationID string                 `json:"primary_conversation_id"`
	Conversations         []ConversationSnapshot `json:"conversations"`
	Agents                []AgentRecord          `json:"agents"`
	PendingPermissions    []PendingPermission    `json:"pending_permissions"`
	Closed                bool                   `json:"closed,omitempty"`
}

// Snapshot copies the whole session.
func (m *Model) Snapshot() SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := SessionSnapshot{
		SessionID:             m.sessionID,
		Backend:               m.backend,
		Title:                 m.title,
		Status:                m.status,
		Meta:                  m.meta,
		PrimaryConversationID: PrimaryConversationID,
		Conversations:         make([]ConversationSnapshot, 0, len(m.order)),
		Agents:                make([]AgentRecord, 0, len(m.agentOrder)),
		PendingPermissions:    make([]PendingPermission, 0, len(m.permissions)),
		Closed:                m.closed,
	}
	for _, id := range m.order {
		snap.Conversations = append(snap.Conversations, m.conversations[id].snapshot())
	}
	for _, id := range m.agentOrder {
		snap.Agents = append(snap.Agents, *m.agents[id])
	}
	for _, p := range m.permissions {
		snap.PendingPermissions = append(snap.PendingPermissions, *p)
	}
	return snap
}

// Conversation copies one conversation.
func (m *Model) Conversation(id string) (ConversationSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ConversationSnapshot{}, false
	}
	return conv.snapshot(), true
}

// Entries copies the entries of one conversation, or nil if it does not exist.
func (m *Model) Entries(conversationID string) []Entry {
	conv, ok := m.Conversation(conversationID)
	if !ok {
		return nil
	}
	return conv.Entries
}

func (c *conversation) snapshot() ConversationSnapshot {
	entries := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		entries[i] = e.clone()
	}
	return ConversationSnapshot{
		ID:            c.id,
		ParentAgentID: c.parentAgentID,
		CreatedAt:     c.createdAt,
		Entries:       entries,
	}
}
