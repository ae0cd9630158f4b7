// Package api exposes the HTTP surface: session creation with NDJSON
// event streaming, stream reattachment, stop, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/councilhq/council/pkg/deliberation"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/models"
)

// Sessions is the orchestrator surface the server drives.
type Sessions interface {
	Start(ctx context.Context, req deliberation.StartRequest) (*deliberation.SessionHandle, error)
	Stop(sessionID string) error
	ActiveSessions() int
}

// Store is the read-side persistence surface the server needs: liveness
// and terminal message lookup for sessions no longer held by the hub.
type Store interface {
	Ping(ctx context.Context) error
	GetMessage(ctx context.Context, sessionID string) (*models.MessageRecord, error)
}

// Server is the HTTP API server.
type Server struct {
	sessions Sessions
	store    Store
	hub      *events.Hub
	logger   *slog.Logger

	// draining flips during graceful shutdown: new sessions are refused
	// while running ones finish.
	draining atomic.Bool

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the server and registers its routes.
func NewServer(sessions Sessions, st Store, hub *events.Hub, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions: sessions,
		store:    st,
		hub:      hub,
		logger:   logger.With("component", "api"),
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(securityHeaders())

	v1 := s.engine.Group("/api/v1")
	v1.GET("/health", s.healthHandler)

	authed := v1.Group("", requireSubject())
	authed.POST("/sessions", s.createSessionHandler)
	authed.GET("/sessions/:id/events", s.sessionEventsHandler)
	authed.POST("/sessions/:id/stop", s.stopSessionHandler)

	return s
}

// Handler exposes the routed engine, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	return s.http.ListenAndServe()
}

// StopAccepting refuses new sessions while the process drains.
func (s *Server) StopAccepting() {
	s.draining.Store(true)
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
