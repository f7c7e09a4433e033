package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/events"
	"github.com/kandev/eventpipe/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 4 * 1024

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsStreamSession forwards a session's change notifications to a WebSocket.
// WS /api/v1/sessions/:id/stream
func (h *Handlers) wsStreamSession(c *gin.Context) {
	sessionID := c.Param("id")
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}

	s := &subscriber{
		id:     uuid.New().String(),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: h.logger.WithFields(zap.String("session_id", sessionID)),
	}
	s.logger = s.logger.WithFields(zap.String("client_id", s.id))

	// Subscribe before upgrading so nothing published after the handshake is missed.
	sub, err := h.bus.Subscribe(events.SessionChangedSubject(sessionID), s.deliver)
	if err != nil {
		s.logger.Error("Failed to subscribe to session changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe to session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		_ = sub.Unsubscribe()
		close(s.done)
		return
	}
	s.conn = conn

	s.logger.Info("WebSocket connection established for session")

	go s.writePump()
	go func() {
		s.readPump()
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		s.logger.Info("WebSocket connection closed for session")
	}()
}

// subscriber is one WebSocket client following one session.
type subscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger
}

// deliver queues a bus event for the client. A client that falls behind
// loses notifications rather than blocking the bus.
func (s *subscriber) deliver(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.logger.Warn("Dropping change notification for slow client", zap.String("event_type", event.Type))
	}
	return nil
}

// readPump discards client frames until the connection closes. It keeps the
// read deadline alive with pongs.
func (s *subscriber) readPump() {
	defer func() {
		close(s.done)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
