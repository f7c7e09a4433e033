// Package gateway exposes live and persisted sessions over HTTP and streams
// their change notifications over WebSocket.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/chat/store"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/events/bus"
	"github.com/kandev/eventpipe/internal/pipeline"
)

// SessionReader reads persisted sessions. It is optional; without one only
// live sessions are served.
type SessionReader interface {
	ListSessions(ctx context.Context) ([]chat.SessionRecord, error)
	LoadSession(ctx context.Context, sessionID string) (*chat.SessionSnapshot, error)
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend,omitempty"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status,omitempty"`
	Live      bool      `json:"live"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

type Handlers struct {
	manager *pipeline.Manager
	reader  SessionReader
	bus     bus.EventBus
	logger  *logger.Logger
}

func NewHandlers(manager *pipeline.Manager, reader SessionReader, eventBus bus.EventBus, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		manager: manager,
		reader:  reader,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes mounts the session API on router.
func RegisterRoutes(router *gin.Engine, manager *pipeline.Manager, reader SessionReader, eventBus bus.EventBus, log *logger.Logger) {
	handlers := NewHandlers(manager, reader, eventBus, log)
	router.GET("/health", handlers.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/sessions", handlers.httpListSessions)
	api.GET("/sessions/:id", handlers.httpGetSession)
	api.DELETE("/sessions/:id", handlers.httpClearSession)
	api.POST("/sessions/:id/events", handlers.httpIngestEvents)
	api.GET("/sessions/:id/stream", handlers.wsStreamSession)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	busConnected := h.bus != nil && h.bus.IsConnected()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"live_sessions": len(h.manager.Sessions()),
		"bus_connected": busConnected,
	})
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	byID := make(map[string]SessionSummary)
	if h.reader != nil {
		records, err := h.reader.ListSessions(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to list sessions", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		for _, rec := range records {
			byID[rec.ID] = SessionSummary{
				ID:        rec.ID,
				Backend:   rec.Backend,
				Title:     rec.Title,
				Status:    rec.Status,
				UpdatedAt: rec.UpdatedAt,
			}
		}
	}

	// Live state wins over what was last persisted.
	for _, id := range h.manager.Sessions() {
		view, err := h.manager.Snapshot(id)
		if err != nil {
			continue
		}
		summary := byID[id]
		summary.ID = id
		summary.Backend = view.Session.Backend
		summary.Title = view.Session.Title
		summary.Status = view.Session.Status
		summary.Live = true
		byID[id] = summary
	}

	out := make([]SessionSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Live != out[j].Live {
			return out[i].Live
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	sessionID := c.Param("id")

	view, err := h.manager.Snapshot(sessionID)
	if err == nil {
		c.JSON(http.StatusOK, view)
		return
	}
	if !errors.Is(err, pipeline.ErrSessionNotFound) {
		h.logger.Error("failed to snapshot session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	if h.reader == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	snap, err := h.reader.LoadSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, pipeline.SessionView{Session: *snap})
}

func (h *Handlers) httpClearSession(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.manager.Snapshot(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.manager.ClearSessionState(sessionID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
