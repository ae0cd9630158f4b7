package deliberation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/llm"
	"github.com/councilhq/council/pkg/models"
)

func newTestExecutor(client llm.Client, stageTimeout, cancelGrace time.Duration) *Executor {
	return NewExecutor(client, config.DeliberationConfig{
		WorkerCap:    32,
		StageTimeout: stageTimeout,
		CancelGrace:  cancelGrace,
	}, slog.Default())
}

func draftSpec(roles ...string) StageSpec {
	spec := StageSpec{CompanyID: "co-1", ID: models.StageDraft, Policy: AllOrDegraded(3)}
	for _, role := range roles {
		spec.Workers = append(spec.Workers, WorkerSpec{
			Role:    role,
			Choice:  config.ModelChoice{Provider: "openai", Model: "model-" + role},
			Purpose: config.PurposeStage1,
			Messages: []models.ChatMessage{
				{Role: models.RoleUser, Content: "question"},
			},
		})
	}
	return spec
}

// drainStream collects the full event log of a finished stage.
func drainStream(t *testing.T, stream *events.Stream) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := stream.Subscribe(ctx, 0)
	require.NoError(t, err)

	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == events.TypeStageFinished {
				return out
			}
		case <-ctx.Done():
			t.Fatal("timed out draining stage events")
		}
	}
}

func TestExecutor_ExecuteStage(t *testing.T) {
	t.Run("all workers done completes the stage", func(t *testing.T) {
		client := newFakeClient()
		for _, r := range []string{"r1", "r2", "r3"} {
			client.set("model-"+r, script{tokens: []string{"answer ", "from ", r}})
		}
		exec := newTestExecutor(client, 5*time.Second, time.Second)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		state := exec.ExecuteStage(context.Background(), stream, draftSpec("r1", "r2", "r3"))
		assert.Equal(t, models.StageComplete, state.Status)
		assert.Equal(t, 3, state.DoneCount())
		assert.Equal(t, "answer from r1", state.Worker("r1").Output)

		evs := drainStream(t, stream)
		assert.Equal(t, events.TypeStageFinished, evs[len(evs)-1].Type)

		started := map[string]bool{}
		finished := map[string]int{}
		for _, ev := range evs {
			switch p := ev.Payload.(type) {
			case events.WorkerStartedPayload:
				started[p.Role] = true
			case events.WorkerTokenPayload:
				assert.True(t, started[p.Role], "token before worker started")
				assert.Zero(t, finished[p.Role], "token after worker finished")
			case events.WorkerFinishedPayload:
				finished[p.Role]++
			}
		}
		for _, r := range []string{"r1", "r2", "r3"} {
			assert.Equal(t, 1, finished[r])
		}
	})

	t.Run("failures above the minimum degrade the stage", func(t *testing.T) {
		client := newFakeClient()
		client.set("model-r1", script{tokens: []string{"ok"}})
		client.set("model-r2", script{err: &llm.CallError{Kind: llm.KindServerError, Message: "boom"}})
		client.set("model-r3", script{tokens: []string{"ok"}})
		client.set("model-r4", script{err: &llm.CallError{Kind: llm.KindServerError, Message: "boom"}})
		client.set("model-r5", script{tokens: []string{"ok"}})
		exec := newTestExecutor(client, 5*time.Second, time.Second)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		state := exec.ExecuteStage(context.Background(), stream, draftSpec("r1", "r2", "r3", "r4", "r5"))
		assert.Equal(t, models.StageDegraded, state.Status)
		assert.Equal(t, []string{"r2", "r4"}, state.LostRoles())
		assert.Equal(t, models.WorkerError, state.Worker("r2").Status)

		evs := drainStream(t, stream)
		last := evs[len(evs)-1].Payload.(events.StageFinishedPayload)
		assert.Equal(t, models.StageDegraded, last.Status)
		assert.Equal(t, []string{"r2", "r4"}, last.Lost)
	})

	t.Run("failures below the minimum fail the stage", func(t *testing.T) {
		client := newFakeClient()
		client.set("model-r1", script{tokens: []string{"ok"}})
		for _, r := range []string{"r2", "r3", "r4"} {
			client.set("model-"+r, script{err: &llm.CallError{Kind: llm.KindServerError, Message: "boom"}})
		}
		exec := newTestExecutor(client, 5*time.Second, time.Second)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		state := exec.ExecuteStage(context.Background(), stream, draftSpec("r1", "r2", "r3", "r4"))
		assert.Equal(t, models.StageFailed, state.Status)
	})

	t.Run("single policy", func(t *testing.T) {
		client := newFakeClient()
		client.set("model-chairman", script{tokens: []string{"final word"}})
		exec := newTestExecutor(client, 5*time.Second, time.Second)

		spec := draftSpec("chairman")
		spec.Policy = Single()
		stream := events.NewStream("sess-1", 256, 0, slog.Default())
		state := exec.ExecuteStage(context.Background(), stream, spec)
		assert.Equal(t, models.StageComplete, state.Status)

		client.set("model-chairman", script{err: &llm.CallError{Kind: llm.KindBadRequest, Message: "no"}})
		stream = events.NewStream("sess-2", 256, 0, slog.Default())
		state = exec.ExecuteStage(context.Background(), stream, spec)
		assert.Equal(t, models.StageFailed, state.Status)
	})

	t.Run("cancellation finishes every worker within the grace window", func(t *testing.T) {
		client := newFakeClient()
		for _, r := range []string{"r1", "r2", "r3"} {
			client.set("model-"+r, script{delay: 10 * time.Second})
		}
		exec := newTestExecutor(client, 30*time.Second, 500*time.Millisecond)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		startAt := time.Now()
		state := exec.ExecuteStage(ctx, stream, draftSpec("r1", "r2", "r3"))
		assert.Less(t, time.Since(startAt), 5*time.Second)
		assert.Equal(t, models.StageCancelled, state.Status)
		for _, w := range state.Workers {
			assert.Equal(t, models.WorkerCancelled, w.Status)
			assert.Equal(t, models.FinishCancelled, w.FinishReason)
		}

		evs := drainStream(t, stream)
		finishes := 0
		for _, ev := range evs {
			if ev.Type == events.TypeWorkerFinished {
				finishes++
			}
		}
		assert.Equal(t, 3, finishes)
		assert.Equal(t, events.TypeStageFinished, evs[len(evs)-1].Type)
	})

	t.Run("stage timeout forces failure when nothing finished", func(t *testing.T) {
		client := newFakeClient()
		for _, r := range []string{"r1", "r2", "r3"} {
			client.set("model-"+r, script{delay: 10 * time.Second})
		}
		exec := newTestExecutor(client, 100*time.Millisecond, 200*time.Millisecond)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		state := exec.ExecuteStage(context.Background(), stream, draftSpec("r1", "r2", "r3"))
		assert.Equal(t, models.StageFailed, state.Status)
	})

	t.Run("worker set wider than the pool fails the stage immediately", func(t *testing.T) {
		client := newFakeClient()
		exec := NewExecutor(client, config.DeliberationConfig{
			WorkerCap:    2,
			StageTimeout: 30 * time.Second,
			CancelGrace:  time.Second,
		}, slog.Default())
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		startAt := time.Now()
		state := exec.ExecuteStage(context.Background(), stream, draftSpec("r1", "r2", "r3"))
		assert.Less(t, time.Since(startAt), time.Second)
		assert.Equal(t, models.StageFailed, state.Status)
		for _, w := range state.Workers {
			assert.Equal(t, models.WorkerError, w.Status)
			assert.Equal(t, models.FinishError, w.FinishReason)
		}
		assert.Empty(t, client.calledModels())
	})

	t.Run("finish hook runs only when the stage can advance", func(t *testing.T) {
		client := newFakeClient()
		client.set("model-r1", script{tokens: []string{"ok"}})
		for _, r := range []string{"r2", "r3"} {
			client.set("model-"+r, script{err: &llm.CallError{Kind: llm.KindServerError, Message: "boom"}})
		}
		exec := newTestExecutor(client, 5*time.Second, time.Second)
		stream := events.NewStream("sess-1", 256, 0, slog.Default())

		hookRan := false
		spec := draftSpec("r1", "r2", "r3")
		spec.BeforeFinish = func(*models.StageState) { hookRan = true }
		state := exec.ExecuteStage(context.Background(), stream, spec)
		assert.Equal(t, models.StageFailed, state.Status)
		assert.False(t, hookRan)

		for _, r := range []string{"r2", "r3"} {
			client.set("model-"+r, script{tokens: []string{"ok"}})
		}
		stream = events.NewStream("sess-2", 256, 0, slog.Default())
		state = exec.ExecuteStage(context.Background(), stream, spec)
		assert.Equal(t, models.StageComplete, state.Status)
		assert.True(t, hookRan)
	})

	t.Run("abandoned workers hold their pool slots until they exit", func(t *testing.T) {
		client := newFakeClient()
		client.set("model-r1", script{linger: 600 * time.Millisecond})
		client.set("model-r2", script{tokens: []string{"ok"}})
		exec := NewExecutor(client, config.DeliberationConfig{
			WorkerCap:    1,
			StageTimeout: 30 * time.Second,
			CancelGrace:  100 * time.Millisecond,
		}, slog.Default())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		startAt := time.Now()
		stream := events.NewStream("sess-1", 256, 0, slog.Default())
		state := exec.ExecuteStage(ctx, stream, draftSpec("r1"))
		assert.Equal(t, models.StageCancelled, state.Status)
		assert.Less(t, time.Since(startAt), 400*time.Millisecond)

		// The next stage cannot borrow the slot while r1 winds down.
		stream = events.NewStream("sess-2", 256, 0, slog.Default())
		state = exec.ExecuteStage(context.Background(), stream, draftSpec("r2"))
		assert.Equal(t, models.StageComplete, state.Status)
		assert.GreaterOrEqual(t, time.Since(startAt), 500*time.Millisecond)
	})
}
