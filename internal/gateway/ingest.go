package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/adapter"
	"github.com/kandev/eventpipe/internal/pipeline"
	"github.com/kandev/eventpipe/internal/streams"
)

const ingestBufferSize = 64

// httpIngestEvents decodes a newline-delimited wire stream from the request
// body and feeds it to the session. The protocol defaults to the one
// configured for the backend. The response is written once every decoded
// event has been applied.
func (h *Handlers) httpIngestEvents(c *gin.Context) {
	sessionID := c.Param("id")
	backend, protocol := h.manager.BackendProtocol(c.Query("backend"))
	if p := c.Query("protocol"); p != "" {
		protocol = p
	}
	if protocol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no protocol configured for backend " + backend})
		return
	}

	decoder, err := adapter.NewDecoder(protocol, sessionID, h.logger)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.manager.Open(sessionID, backend)
	ch := make(chan streams.Event, ingestBufferSize)
	// Buffered events are still applied if the client goes away mid-stream.
	done, err := h.manager.Attach(context.WithoutCancel(c.Request.Context()), sessionID, ch)
	if err != nil {
		if errors.Is(err, pipeline.ErrManagerDisposing) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sessions are being disposed"})
			return
		}
		h.logger.Error("failed to attach event stream", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach event stream"})
		return
	}

	pumpCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-pumpCtx.Done():
		}
	}()

	pumpErr := adapter.Pump(pumpCtx, decoder, c.Request.Body, ch, h.logger)
	<-done

	switch {
	case pumpErr == nil:
	case errors.Is(pumpErr, context.Canceled) && c.Request.Context().Err() == nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session stream stopped"})
		return
	default:
		h.logger.Warn("event stream ended early",
			zap.String("session_id", sessionID),
			zap.String("protocol", protocol),
			zap.Error(pumpErr))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read event stream"})
		return
	}

	h.logger.Debug("event stream ingested",
		zap.String("session_id", sessionID),
		zap.String("protocol", protocol))
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "backend": backend, "protocol": protocol})
}
