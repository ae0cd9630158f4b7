package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStreamBusy is returned when a second subscriber attaches while
	// one is already draining the stream.
	ErrStreamBusy = errors.New("stream already has a subscriber")

	// ErrSeqOutOfRange is returned when a resume sequence is ahead of
	// what the session has produced.
	ErrSeqOutOfRange = errors.New("resume sequence out of range")
)

// Stream is the ordered, finite event sequence for one session. A single
// subscriber drains it; a disconnected subscriber may reattach and resume
// from its last acknowledged sequence number while the stream is retained.
//
// Sequence numbers start at 1 and increment without gaps. Because
// coalescing folds text into an existing undelivered event instead of
// appending, log position i always holds seq i+1.
type Stream struct {
	sessionID  string
	bufferSize int
	logger     *slog.Logger

	mu         sync.Mutex
	log        []Event
	delivered  int64
	hbCount    int64
	lastEvent  time.Time
	terminal   bool
	subscribed bool
	notify     chan struct{}

	hbStop chan struct{}
}

// NewStream creates the stream for one session and starts its heartbeat
// timer. heartbeat <= 0 disables heartbeats.
func NewStream(sessionID string, bufferSize int, heartbeat time.Duration, logger *slog.Logger) *Stream {
	s := &Stream{
		sessionID:  sessionID,
		bufferSize: bufferSize,
		logger:     logger.With("session_id", sessionID),
		lastEvent:  time.Now(),
		notify:     make(chan struct{}),
		hbStop:     make(chan struct{}),
	}
	if heartbeat > 0 {
		go s.heartbeatLoop(heartbeat)
	}
	return s
}

// Publish appends one event and returns its sequence number. Events
// published after the terminal event are dropped. When the subscriber lags
// by more than the buffer size, consecutive token events for the same role
// coalesce into the pending tail event; heartbeats, worker finishes, and
// stage events never coalesce.
func (s *Stream) Publish(p Payload) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		s.logger.Warn("Event dropped after terminal state", "type", p.EventType())
		return 0
	}

	if tok, ok := p.(WorkerTokenPayload); ok && s.shouldCoalesce(tok) {
		tail := &s.log[len(s.log)-1]
		merged := tail.Payload.(WorkerTokenPayload)
		merged.Text += tok.Text
		tail.Payload = merged
		s.lastEvent = time.Now()
		s.wake()
		return tail.Seq
	}

	seq := int64(len(s.log)) + 1
	s.log = append(s.log, Event{
		Seq:     seq,
		Type:    p.EventType(),
		TS:      time.Now().UnixMilli(),
		Payload: p,
	})
	s.lastEvent = time.Now()

	if p.EventType().Terminal() {
		s.terminal = true
		close(s.hbStop)
	}
	s.wake()
	return seq
}

func (s *Stream) shouldCoalesce(tok WorkerTokenPayload) bool {
	if len(s.log) == 0 {
		return false
	}
	tail := s.log[len(s.log)-1]
	if int64(len(s.log))-s.delivered < int64(s.bufferSize) {
		return false
	}
	if tail.Seq <= s.delivered {
		return false
	}
	prev, ok := tail.Payload.(WorkerTokenPayload)
	return ok && prev.Role == tok.Role && prev.Stage == tok.Stage
}

// Subscribe attaches the single subscriber, resuming after fromSeq (0 for
// the beginning). The returned channel closes once the terminal event has
// been delivered, or when ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context, fromSeq int64) (<-chan Event, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, ErrStreamBusy
	}
	if fromSeq < 0 || fromSeq > int64(len(s.log)) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d events, resume after %d requested", ErrSeqOutOfRange, len(s.log), fromSeq)
	}
	s.subscribed = true
	s.delivered = fromSeq
	s.mu.Unlock()

	out := make(chan Event)
	go s.drain(ctx, fromSeq, out)
	return out, nil
}

func (s *Stream) drain(ctx context.Context, cursor int64, out chan<- Event) {
	defer func() {
		s.mu.Lock()
		s.subscribed = false
		s.mu.Unlock()
		close(out)
	}()

	for {
		s.mu.Lock()
		for cursor >= int64(len(s.log)) {
			if s.terminal {
				s.mu.Unlock()
				return
			}
			wait := s.notify
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
		}
		ev := s.log[cursor]
		s.delivered = ev.Seq
		s.mu.Unlock()

		select {
		case out <- ev:
			cursor++
		case <-ctx.Done():
			return
		}
	}
}

// Terminal reports whether the stream has emitted its terminal event.
func (s *Stream) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// LastSeq returns the highest sequence number published so far.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.log))
}

func (s *Stream) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.hbStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.terminal {
			s.mu.Unlock()
			return
		}
		idle := time.Since(s.lastEvent) >= interval
		if idle {
			s.hbCount++
		}
		count := s.hbCount
		s.mu.Unlock()

		if idle {
			s.Publish(HeartbeatPayload{Count: count})
		}
	}
}
