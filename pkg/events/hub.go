package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionUnknown is returned when no stream is held for a session id.
var ErrSessionUnknown = errors.New("no event stream for session")

// Hub maps live session ids to their event streams so a disconnected
// subscriber can reattach. Terminal streams stay attachable for a grace
// period before eviction, long enough for a late subscriber to collect the
// final record.
type Hub struct {
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewHub creates an empty hub.
func NewHub(grace time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		grace:   grace,
		logger:  logger.With("component", "event_hub"),
		streams: make(map[string]*Stream),
	}
}

// Register adds a session's stream. Overwrites silently if the id is
// reused, which does not happen with uuid session ids.
func (h *Hub) Register(sessionID string, s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[sessionID] = s
}

// Get returns the stream for a session.
func (h *Hub) Get(sessionID string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}
	return s, nil
}

// Retire schedules eviction of a terminal session's stream after the grace
// period.
func (h *Hub) Retire(sessionID string) {
	time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.streams, sessionID)
		h.logger.Debug("Evicted terminal session stream", "session_id", sessionID)
	})
}

// Active returns the number of streams currently held.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
