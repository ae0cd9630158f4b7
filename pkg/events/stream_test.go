package events

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/council/pkg/models"
)

func newTestStream(buffer int) *Stream {
	return NewStream("sess-1", buffer, 0, slog.Default())
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func token(role, text string) WorkerTokenPayload {
	return WorkerTokenPayload{Stage: models.StageDraft, Role: role, Text: text}
}

func TestStream_SequenceNumbers(t *testing.T) {
	s := newTestStream(64)

	assert.Equal(t, int64(1), s.Publish(SessionOpenedPayload{SessionID: "sess-1"}))
	assert.Equal(t, int64(2), s.Publish(StageStartedPayload{Stage: models.StageDraft}))
	assert.Equal(t, int64(3), s.Publish(token("r1", "hello")))

	ch, err := s.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	evs := collect(t, ch, 3)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestStream_SingleSubscriber(t *testing.T) {
	s := newTestStream(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Subscribe(ctx, 0)
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, 0)
	assert.ErrorIs(t, err, ErrStreamBusy)
}

func TestStream_ResumeFromLastAck(t *testing.T) {
	s := newTestStream(64)
	s.Publish(SessionOpenedPayload{SessionID: "sess-1"})
	s.Publish(StageStartedPayload{Stage: models.StageDraft})
	s.Publish(token("r1", "partial "))

	// First subscriber drains two events and disconnects.
	ctx1, cancel1 := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx1, 0)
	require.NoError(t, err)
	collect(t, ch, 2)
	cancel1()
	for range ch {
	}

	s.Publish(token("r1", "answer"))

	// Reattach after the last acknowledged event.
	ctx2, cancel2 := context.WithCancel(context.Background())
	ch, err = s.Subscribe(ctx2, 2)
	require.NoError(t, err)
	evs := collect(t, ch, 2)
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, int64(4), evs[1].Seq)
	cancel2()
	for range ch {
	}

	_, err = s.Subscribe(context.Background(), 99)
	assert.ErrorIs(t, err, ErrSeqOutOfRange)
}

func TestStream_TerminatesAfterTerminalEvent(t *testing.T) {
	s := newTestStream(64)
	s.Publish(SessionOpenedPayload{SessionID: "sess-1"})
	s.Publish(SessionCompletedPayload{Usage: models.Usage{OutputTokens: 10}})

	// Events after terminal are dropped.
	assert.Equal(t, int64(0), s.Publish(token("r1", "late")))
	assert.True(t, s.Terminal())

	ch, err := s.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	evs := collect(t, ch, 2)
	assert.Equal(t, TypeSessionCompleted, evs[1].Type)

	_, open := <-ch
	assert.False(t, open, "channel should close after terminal event")
}

func TestStream_CoalescesTokensUnderBackpressure(t *testing.T) {
	s := newTestStream(2)

	// No subscriber draining: the third token backs up the buffer and
	// subsequent same-role tokens merge into the pending tail.
	s.Publish(token("r1", "a"))
	s.Publish(token("r1", "b"))
	s.Publish(token("r1", "c"))
	s.Publish(token("r1", "d"))
	assert.Equal(t, int64(2), s.LastSeq())

	// A different role never merges into r1's tail.
	s.Publish(token("r2", "x"))
	assert.Equal(t, int64(3), s.LastSeq())

	// Finished events never coalesce.
	s.Publish(WorkerFinishedPayload{Stage: models.StageDraft, Role: "r1", Reason: models.FinishStop})
	assert.Equal(t, int64(4), s.LastSeq())

	ch, err := s.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	evs := collect(t, ch, 4)

	assert.Equal(t, "a", evs[0].Payload.(WorkerTokenPayload).Text)
	assert.Equal(t, "bcd", evs[1].Payload.(WorkerTokenPayload).Text)
	assert.Equal(t, "x", evs[2].Payload.(WorkerTokenPayload).Text)
	assert.Equal(t, TypeWorkerFinished, evs[3].Type)
}

func TestStream_TokenAppendOnly(t *testing.T) {
	s := newTestStream(4)
	fragments := []string{"The ", "answer ", "is ", "to ", "launch ", "now."}
	for _, f := range fragments {
		s.Publish(token("r1", f))
	}
	s.Publish(WorkerFinishedPayload{Stage: models.StageDraft, Role: "r1", Reason: models.FinishStop})
	s.Publish(SessionCompletedPayload{})

	ch, err := s.Subscribe(context.Background(), 0)
	require.NoError(t, err)

	var rebuilt string
	for ev := range ch {
		if tok, ok := ev.Payload.(WorkerTokenPayload); ok {
			rebuilt += tok.Text
		}
	}
	assert.Equal(t, "The answer is to launch now.", rebuilt)
}

func TestStream_Heartbeat(t *testing.T) {
	s := NewStream("sess-1", 64, 40*time.Millisecond, slog.Default())
	ch, err := s.Subscribe(context.Background(), 0)
	require.NoError(t, err)

	evs := collect(t, ch, 2)
	first := evs[0].Payload.(HeartbeatPayload)
	second := evs[1].Payload.(HeartbeatPayload)
	assert.Equal(t, TypeHeartbeat, evs[0].Type)
	assert.Greater(t, second.Count, first.Count)

	s.Publish(SessionCompletedPayload{})
}

func TestHub(t *testing.T) {
	hub := NewHub(20*time.Millisecond, slog.Default())
	s := newTestStream(8)
	hub.Register("sess-1", s)

	got, err := hub.Get("sess-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = hub.Get("sess-2")
	assert.ErrorIs(t, err, ErrSessionUnknown)

	hub.Retire("sess-1")
	assert.Eventually(t, func() bool {
		_, err := hub.Get("sess-1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
