package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/councilhq/council/pkg/deliberation"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/models"
	"github.com/councilhq/council/pkg/store"
)

const healthCheckTimeout = 5 * time.Second

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Question       string                  `json:"question" binding:"required"`
	CompanyID      string                  `json:"company_id" binding:"required"`
	ConversationID string                  `json:"conversation_id"`
	Attachments    []string                `json:"attachments"`
	Selectors      models.ContextSelectors `json:"selectors"`

	// UserKey is a caller-supplied gateway key; it overrides the platform
	// key only when marked active.
	UserKey       string `json:"user_key"`
	UserKeyActive bool   `json:"user_key_active"`
}

// createSessionHandler handles POST /api/v1/sessions: it starts the
// deliberation and streams its events as NDJSON until the terminal event.
func (s *Server) createSessionHandler(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := s.sessions.Start(c.Request.Context(), deliberation.StartRequest{
		UserID:         subject(c),
		CompanyID:      req.CompanyID,
		ConversationID: req.ConversationID,
		Question:       req.Question,
		Attachments:    req.Attachments,
		Selectors:      req.Selectors,
		UserKey:        req.UserKey,
		UserKeyActive:  req.UserKeyActive,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("X-Session-ID", handle.SessionID)
	c.Header("X-Conversation-ID", handle.ConversationID)
	s.streamEvents(c, handle.Stream, 0)
}

// sessionEventsHandler handles GET /api/v1/sessions/:id/events: it
// reattaches to a live stream, resuming after the Last-Event-Seq header.
// Once the stream has been evicted, the persisted message record answers
// instead.
func (s *Server) sessionEventsHandler(c *gin.Context) {
	sessionID := c.Param("id")

	stream, err := s.hub.Get(sessionID)
	if errors.Is(err, events.ErrSessionUnknown) {
		record, err := s.store.GetMessage(c.Request.Context(), sessionID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			s.logger.Error("Failed to read message record", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, record)
		return
	}

	fromSeq := int64(0)
	if v := c.GetHeader("Last-Event-Seq"); v != "" {
		fromSeq, err = strconv.ParseInt(v, 10, 64)
		if err != nil || fromSeq < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Last-Event-Seq"})
			return
		}
	}

	s.streamEvents(c, stream, fromSeq)
}

// streamEvents writes the event stream as NDJSON, one event per line,
// flushed per line so tokens reach the client as they are produced. The
// response ends when the terminal event has been written or the client
// disconnects.
func (s *Server) streamEvents(c *gin.Context, stream *events.Stream, fromSeq int64) {
	ch, err := stream.Subscribe(c.Request.Context(), fromSeq)
	if errors.Is(err, events.ErrStreamBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "session already has a subscriber"})
		return
	}
	if errors.Is(err, events.ErrSeqOutOfRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			// Client went away; the stream stays resumable via the hub.
			return
		}
		c.Writer.Flush()
	}
}

// stopSessionHandler handles POST /api/v1/sessions/:id/stop.
func (s *Server) stopSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")

	err := s.sessions.Stop(sessionID)
	if err == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
		return
	}
	if !errors.Is(err, deliberation.ErrSessionNotRunning) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Distinguish a finished session from an unknown one.
	if _, err := s.store.GetMessage(c.Request.Context(), sessionID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "session already finished"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

// healthHandler handles GET /api/v1/health.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"database":        "ok",
		"active_sessions": s.sessions.ActiveSessions(),
		"live_streams":    s.hub.Active(),
	})
}
