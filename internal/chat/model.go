// Package chat holds the conversation tree of one agent session: the primary
// conversation, one conversation per subagent, their entries, and the
// subagent records. The session pipeline is its only writer; readers get
// copies through Snapshot.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/events"
	"github.com/kandev/eventpipe/internal/events/bus"
)

// PrimaryConversationID is the id of every session's primary conversation.
const PrimaryConversationID = "main"

var (
	ErrSessionClosed        = errors.New("session closed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEntryNotFound        = errors.New("entry not found")
	ErrAgentNotFound        = errors.New("agent not found")
)

// Options configures a Model. Store and Bus are optional.
type Options struct {
	Backend string
	Store   Store
	Bus     bus.EventBus
	Logger  *logger.Logger
}

type conversation struct {
	id            string
	parentAgentID string
	createdAt     time.Time
	entries       []Entry
	index         map[string]int
}

// Model is the in-memory conversation tree of one session.
type Model struct {
	mu sync.RWMutex

	sessionID     string
	backend       string
	createdAt     time.Time
	conversations map[string]*conversation
	order         []string
	agents        map[string]*AgentRecord
	agentOrder    []string
	permissions   map[string]*PendingPermission
	title         string
	status        string
	meta          SessionMeta
	closed        bool

	store  Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewModel creates a session model with its primary conversation.
func NewModel(sessionID string, opts Options) *Model {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	now := time.Now().UTC()
	m := &Model{
		sessionID:     sessionID,
		backend:       opts.Backend,
		createdAt:     now,
		conversations: make(map[string]*conversation),
		agents:        make(map[string]*AgentRecord),
		permissions:   make(map[string]*PendingPermission),
		store:         opts.Store,
		bus:           opts.Bus,
		logger:        log.WithSessionID(sessionID).WithFields(zap.String("component", "chat-model")),
	}
	m.persistSessionLocked()
	m.addConversationLocked(PrimaryConversationID, "", now)
	return m
}

// SessionID returns the session id.
func (m *Model) SessionID() string { return m.sessionID }

// PrimaryConversationID returns the primary conversation id.
func (m *Model) PrimaryConversationID() string { return PrimaryConversationID }

// AddEntry appends entry to a conversation and assigns its stable id.
func (m *Model) AddEntry(conversationID string, entry Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrSessionClosed
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	id := uuid.New().String()
	entry.setID(id, time.Now().UTC())
	conv.index[id] = len(conv.entries)
	conv.entries = append(conv.entries, entry)
	m.persistEntryLocked(conv, id)
	return id, nil
}

// UpdateEntry runs mutate on an entry in place, keeping its id and position.
func (m *Model) UpdateEntry(conversationID, entryID string, mutate func(Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, entry, err := m.lookupLocked(conversationID, entryID)
	if err != nil {
		return err
	}
	mutate(entry)
	m.persistEntryLocked(conv, entryID)
	return nil
}

// MutateToolResult fills the result slot of a ToolUse entry in place.
func (m *Model) MutateToolResult(conversationID, entryID, output string, isError bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, entry, err := m.lookupLocked(conversationID, entryID)
	if err != nil {
		return err
	}
	tool, ok := entry.(*ToolUse)
	if !ok {
		return fmt.Errorf("entry %s is %s, not a tool use", entryID, entry.EntryKind())
	}
	tool.Result = output
	tool.IsError = isError
	tool.HasResult = true
	tool.IsStreaming = false
	m.persistEntryLocked(conv, entryID)
	return nil
}

// PersistToolResult records a tool result durably by call id.
func (m *Model) PersistToolResult(callID, output string, isError bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveToolResult(context.Background(), m.sessionID, callID, output, isError); err != nil {
		m.logger.Warn("failed to persist tool result", zap.String("call_id", callID), zap.Error(err))
	}
}

// NotifyChanged tells observers that a conversation mutated.
func (m *Model) NotifyChanged(conversationID string) {
	m.publish(events.ConversationChanged, map[string]interface{}{
		"session_id":      m.sessionID,
		"conversation_id": conversationID,
	})
}

func (m *Model) publish(eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "chat-model", data)
	if err := m.bus.Publish(context.Background(), events.SessionChangedSubject(m.sessionID), ev); err != nil {
		m.logger.Debug("failed to publish change notification", zap.String("event_type", eventType), zap.Error(err))
	}
}

// FindAgentByResumeID returns a copy of the agent whose ResumeID matches.
func (m *Model) FindAgentByResumeID(resumeID string) (*AgentRecord, bool) {
	if resumeID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.agentOrder {
		if a := m.agents[id]; a.ResumeID == resumeID {
			cp := *a
			return &cp, true
		}
	}
	return nil, false
}

// Agent returns a copy of the agent record with the given sdk agent id.
func (m *Model) Agent(sdkAgentID string) (*AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[sdkAgentID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// UpdateAgentStatus changes an agent's status and optional result fields.
func (m *Model) UpdateAgentStatus(sdkAgentID string, status AgentStatus, update AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSessionClosed
	}
	a, ok := m.agents[sdkAgentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, sdkAgentID)
	}
	a.Status = status
	if update.Result != "" {
		a.ResultSummary = update.Result
	}
	if update.ResumeID != "" {
		a.ResumeID = update.ResumeID
	}
	a.UpdatedAt = time.Now().UTC()
	m.persistAgentLocked(a)
	return nil
}

// CreateSubagentConversation creates a conversation owned by a new subagent
// whose sdk agent id is the spawning call id.
func (m *Model) CreateSubagentConversation(callID, agentType, description string) (*AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrSessionClosed
	}
	now := time.Now().UTC()
	conv := m.addConversationLocked(uuid.New().String(), callID, now)
	a := &AgentRecord{
		SDKAgentID:     callID,
		ConversationID: conv.id,
		AgentType:      agentType,
		Description:    description,
		Status:         AgentSpawned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, exists := m.agents[callID]; !exists {
		m.agentOrder = append(m.agentOrder, callID)
	}
	m.agents[callID] = a
	m.persistAgentLocked(a)

	cp := *a
	return &cp, nil
}

// AddPendingPermission registers an open permission prompt.
func (m *Model) AddPendingPermission(p PendingPermission) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.RequestedAt.IsZero() {
		p.RequestedAt = time.Now().UTC()
	}
	m.permissions[p.CallID] = &p
}

// RemovePendingPermission clears any permission prompt tied to callID.
func (m *Model) RemovePendingPermission(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.permissions, callID)
}

// SetMeta stores what the backend reported at initialization.
func (m *Model) SetMeta(meta SessionMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
	m.persistSessionLocked()
}

// SetStatus stores the latest backend status.
func (m *Model) SetStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.persistSessionLocked()
}

// SetTitle sets the session title. It fails once the session is closed so
// late background results are dropped.
func (m *Model) SetTitle(title string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.title = title
	m.persistSessionLocked()
	m.mu.Unlock()

	m.publish(events.SessionTitled, map[string]interface{}{
		"session_id": m.sessionID,
		"title":      title,
	})
	return nil
}

// Title returns the session title.
func (m *Model) Title() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.title
}

// Close rejects further mutations.
func (m *Model) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.publish(events.SessionCleared, map[string]interface{}{"session_id": m.sessionID})
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Model) lookupLocked(conversationID, entryID string) (*conversation, Entry, error) {
	if m.closed {
		return nil, nil, ErrSessionClosed
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	pos, ok := conv.index[entryID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return conv, conv.entries[pos], nil
}

func (m *Model) addConversationLocked(id, parentAgentID string, at time.Time) *conversation {
	conv := &conversation{
		id:            id,
		parentAgentID: parentAgentID,
		createdAt:     at,
		index:         make(map[string]int),
	}
	m.conversations[id] = conv
	m.order = append(m.order, id)
	if m.store != nil {
		rec := &ConversationRecord{ID: id, ParentAgentID: parentAgentID, CreatedAt: at}
		if err := m.store.SaveConversation(context.Background(), m.sessionID, rec); err != nil {
			m.logger.Warn("failed to persist conversation", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return conv
}

func (m *Model) persistEntryLocked(conv *conversation, entryID string) {
	if m.store == nil {
		return
	}
	pos := conv.index[entryID]
	if err := m.store.SaveEntry(context.Background(), m.sessionID, conv.id, pos, conv.entries[pos]); err != nil {
		m.logger.Warn("failed to persist entry",
			zap.String("conversation_id", conv.id),
			zap.String("entry_id", entryID),
			zap.Error(err))
	}
}

func (m *Model) persistAgentLocked(a *AgentRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveAgent(context.Background(), m.sessionID, a); err != nil {
		m.logger.Warn("failed to persist agent", zap.String("sdk_agent_id", a.SDKAgentID), zap.Error(err))
	}
}

func (m *Model) persistSessionLocked() {
	if m.store == nil {
		return
	}
	meta, err := json.Marshal(m.meta)
	if err != nil {
		meta = json.RawMessage("{}")
	}
	rec := &SessionRecord{
		ID:        m.sessionID,
		Backend:   m.backend,
		Title:     m.title,
		Status:    m.status,
		Meta:      meta,
		CreatedAt: m.createdAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveSession(context.Background(), rec); err != nil {
		m.logger.Warn("failed to persist session", zap.Error(err))
	}
}
