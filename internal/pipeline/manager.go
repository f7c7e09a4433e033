package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/config"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/events/bus"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/internal/title"
)

const defaultDisposedMemory = 1024

var (
	// ErrSessionDisposed is returned for work targeting a cleared session.
	ErrSessionDisposed  = errors.New("session disposed")
	// ErrSessionNotFound is returned when no live session has the id.
	ErrSessionNotFound  = errors.New("session not found")
	// ErrManagerDisposing is returned by Attach while DisposeAll runs.
	ErrManagerDisposing = errors.New("manager is disposing sessions")
)

// ManagerOptions wires a Manager to its collaborators. Store and Bus are
// optional; a nil TitleGenerator uses the heuristic generator.
type ManagerOptions struct {
	Config         *config.Config
	Store          chat.Store
	Bus            bus.EventBus
	TitleGenerator title.Generator
	Logger         *logger.Logger
}

type session struct {
	mu       sync.Mutex
	backend  string
	model    *chat.Model
	pipeline *Pipeline
}

// Manager owns one pipeline per session and serializes event handling per
// session. Different sessions are handled concurrently.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	disposed *lru.Cache[string, struct{}]

	cfg    *config.Config
	store  chat.Store
	bus    bus.EventBus
	titles *title.Dispatcher

	// group is swapped by DisposeAll; disposing counts calls still waiting.
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	disposing int

	logger *logger.Logger
}

// NewManager creates a session manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "pipeline-manager"))

	size := cfg.Pipeline.DisposedMemory
	if size <= 0 {
		size = defaultDisposedMemory
	}
	disposed, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create disposed session cache: %w", err)
	}

	gen := opts.TitleGenerator
	if gen == nil {
		gen = title.Heuristic{MaxLength: cfg.Pipeline.TitleMaxLength}
	}

	m := &Manager{
		sessions: make(map[string]*session),
		disposed: disposed,
		cfg:      cfg,
		store:    opts.Store,
		bus:      opts.Bus,
		titles:   title.NewDispatcher(gen, cfg.Pipeline.TitleTimeoutDuration(), log),
		logger:   log,
	}
	m.resetGroup()
	return m, nil
}

func (m *Manager) resetGroup() {
	ctx, cancel := context.WithCancel(context.Background())
	m.group, m.ctx = errgroup.WithContext(ctx)
	m.cancel = cancel
}

// Open creates the session with the given backend profile, or returns the
// live one. Opening a disposed id starts a fresh session.
func (m *Manager) Open(sessionID, backend string) *chat.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed.Remove(sessionID)
	return m.openLocked(sessionID, backend).model
}

func (m *Manager) openLocked(sessionID, backend string) *session {
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	backend, protocol := m.BackendProtocol(backend)
	profile := m.cfg.Backend(backend)

	model := chat.NewModel(sessionID, chat.Options{
		Backend: backend,
		Store:   m.store,
		Bus:     m.bus,
		Logger:  m.logger,
	})
	s := &session{backend: backend, model: model}
	s.pipeline = New(sessionID, model, Options{
		Backend:             backend,
		FailureStatuses:     m.cfg.Pipeline.FailureStatuses,
		SubagentUsageFolded: profile.SubagentUsageFolded,
		OnFirstUserInput: func(text string) {
			m.titles.Dispatch(sessionID, text, func(t string) error {
				if m.isDisposed(sessionID) {
					return ErrSessionDisposed
				}
				return model.SetTitle(t)
			})
		},
		Logger: m.logger,
	})
	m.sessions[sessionID] = s

	m.logger.Info("session opened",
		zap.String("session_id", sessionID),
		zap.String("backend", backend),
		zap.String("protocol", protocol))
	return s
}

func (m *Manager) isDisposed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed.Contains(sessionID)
}

// lookup returns the live session, opening it lazily with the default
// backend. Events for recently disposed sessions are refused.
func (m *Manager) lookup(sessionID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed.Contains(sessionID) {
		return nil, false
	}
	return m.openLocked(sessionID, ""), true
}

// HandleEvent routes one event to its session's pipeline. Calls for the
// same session are serialized.
func (m *Manager) HandleEvent(ctx context.Context, sessionID string, ev streams.Event) {
	if ev == nil {
		return
	}
	s, ok := m.lookup(sessionID)
	if !ok {
		m.logger.Warn("dropped event for disposed session",
			zap.String("session_id", sessionID),
			zap.String("kind", string(ev.Kind())))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.Closed() {
		m.logger.Warn("dropped event for closed session",
			zap.String("session_id", sessionID),
			zap.String("kind", string(ev.Kind())))
		return
	}
	s.pipeline.Handle(ctx, ev)
}

// Attach consumes events from ch on its own goroutine until ch closes, ctx
// is cancelled or DisposeAll runs. The returned channel closes once the
// consumer has stopped. Attaching while DisposeAll is in progress fails with
// ErrManagerDisposing.
func (m *Manager) Attach(ctx context.Context, sessionID string, ch <-chan streams.Event) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposing > 0 {
		m.logger.Warn("attach refused while disposing", zap.String("session_id", sessionID))
		return nil, ErrManagerDisposing
	}

	groupCtx := m.ctx
	done := make(chan struct{})
	m.group.Go(func() error {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-groupCtx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				m.HandleEvent(ctx, sessionID, ev)
			}
		}
	})
	return done, nil
}

// BackendProtocol resolves a backend profile name, falling back to the
// default backend, and returns it with its configured wire protocol.
func (m *Manager) BackendProtocol(backend string) (name, protocol string) {
	if backend == "" {
		backend = m.cfg.Pipeline.DefaultBackend
	}
	return backend, m.cfg.Backend(backend).Protocol
}

// ClearSessionState drops one session's pipeline state and closes its
// model. Other sessions are untouched. Late events and background results
// for the id are discarded until it is opened again.
func (m *Manager) ClearSessionState(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.disposed.Add(sessionID, struct{}{})
	m.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	s.pipeline.Clear()
	s.model.Close()
	s.mu.Unlock()

	m.logger.Info("session cleared", zap.String("session_id", sessionID))
}

// DisposeAll stops attached streams, waits for their goroutines and clears
// every session. The manager stays usable afterwards.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	m.disposing++
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	cancel()
	if err := group.Wait(); err != nil {
		m.logger.Warn("attached stream ended with error", zap.Error(err))
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	// A concurrent DisposeAll may already have swapped the group.
	if m.group == group {
		m.resetGroup()
	}
	m.disposing--
	m.mu.Unlock()

	for _, id := range ids {
		m.ClearSessionState(id)
	}
	m.logger.Info("all sessions disposed", zap.Int("count", len(ids)))
}

// SessionView is a read-only copy of a live session.
type SessionView struct {
	Session  chat.SessionSnapshot `json:"session"`
	Pipeline State                `json:"pipeline"`
}

// Snapshot copies a live session's model and pipeline state.
func (m *Manager) Snapshot(sessionID string) (SessionView, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return SessionView{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{Session: s.model.Snapshot(), Pipeline: s.pipeline.Snapshot()}, nil
}

// Sessions returns the ids of live sessions in sorted order.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitTitles blocks until every pending title generation has been applied.
func (m *Manager) WaitTitles() {
	m.titles.Wait()
}
