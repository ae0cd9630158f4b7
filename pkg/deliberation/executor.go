package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/llm"
	"github.com/councilhq/council/pkg/models"
)

// Policy decides the stage status once every worker has terminated.
type Policy struct {
	// Min is the AllOrDegraded floor: the stage degrades instead of
	// failing when at least Min workers finished done.
	Min int

	// Single marks the one-worker synthesis policy: complete iff the
	// worker finished done.
	Single bool
}

// AllOrDegraded builds the stage-1/2 policy.
func AllOrDegraded(min int) Policy { return Policy{Min: min} }

// Single builds the stage-3 policy.
func Single() Policy { return Policy{Single: true, Min: 1} }

func (p Policy) evaluate(state *models.StageState) models.StageStatus {
	done := state.DoneCount()
	if p.Single {
		if done == len(state.Workers) {
			return models.StageComplete
		}
		return models.StageFailed
	}
	switch {
	case done == len(state.Workers):
		return models.StageComplete
	case done >= p.Min:
		return models.StageDegraded
	default:
		return models.StageFailed
	}
}

// WorkerSpec is one (role, model, prompt) unit to run in a stage.
type WorkerSpec struct {
	Role     string
	Choice   config.ModelChoice
	Purpose  config.Purpose
	Messages []models.ChatMessage
}

// StageSpec describes one stage execution.
type StageSpec struct {
	CompanyID string
	ID        models.StageID
	Workers   []WorkerSpec
	Policy    Policy

	// User gateway key, forwarded to every call.
	UserKey       string
	UserKeyActive bool

	// BeforeFinish, when set, runs after all workers terminated and
	// before the stage-finished event. The rank stage uses it to publish
	// the aggregated ranking inside the stage window.
	BeforeFinish func(*models.StageState)
}

// Executor runs one stage at a time for a session: it launches every worker
// concurrently, merges their token streams into the session's event stream,
// and applies the completion policy.
//
// A bounded global semaphore caps concurrently executing workers across all
// sessions. The whole worker set is acquired at the execute boundary, FIFO,
// so a stage never blocks on the pool once started.
type Executor struct {
	client       llm.Client
	sem          *semaphore.Weighted
	capacity     int64
	stageTimeout time.Duration
	cancelGrace  time.Duration
	logger       *slog.Logger
}

// NewExecutor creates the shared stage executor.
func NewExecutor(client llm.Client, cfg config.DeliberationConfig, logger *slog.Logger) *Executor {
	return &Executor{
		client:       client,
		sem:          semaphore.NewWeighted(int64(cfg.WorkerCap)),
		capacity:     int64(cfg.WorkerCap),
		stageTimeout: cfg.StageTimeout,
		cancelGrace:  cfg.CancelGrace,
		logger:       logger.With("component", "stage_executor"),
	}
}

// workerRun guards one worker's state: tokens append and the single finish
// transition race against grace-expiry fabrication.
type workerRun struct {
	spec  WorkerSpec
	state *models.WorkerState

	mu       sync.Mutex
	finished bool
}

// ExecuteStage runs the stage to completion and returns its final state.
// The returned status is cancelled when the parent context was cancelled
// before the stage could finish.
func (e *Executor) ExecuteStage(ctx context.Context, stream *events.Stream, spec StageSpec) *models.StageState {
	state := &models.StageState{ID: spec.ID, Status: models.StageInProgress}
	runs := make([]*workerRun, len(spec.Workers))
	for i, w := range spec.Workers {
		ws := &models.WorkerState{
			Role:    w.Role,
			ModelID: w.Choice.Model,
			Status:  models.WorkerPending,
		}
		state.Workers = append(state.Workers, ws)
		runs[i] = &workerRun{spec: w, state: ws}
	}

	// A worker set wider than the pool can never be admitted; fail the
	// stage instead of blocking until the session times out.
	if int64(len(runs)) > e.capacity {
		e.logger.Error("Stage worker set exceeds worker pool capacity",
			"stage", spec.ID, "workers", len(runs), "capacity", e.capacity)
		for _, r := range runs {
			e.finishWorker(stream, spec.ID, r, models.Usage{}, models.FinishError,
				fmt.Sprintf("stage needs %d workers, pool capacity is %d", len(runs), e.capacity))
		}
		return e.finishStage(stream, spec, state, false)
	}

	if err := e.sem.Acquire(ctx, int64(len(runs))); err != nil {
		for _, r := range runs {
			e.finishWorker(stream, spec.ID, r, models.Usage{}, models.FinishCancelled, "")
		}
		return e.finishStage(stream, spec, state, true)
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	// Each worker holds its pool slot until its goroutine exits, so a
	// stage abandoned after grace expiry cannot push the pool over
	// capacity while its slow workers wind down.
	var wg sync.WaitGroup
	for _, r := range runs {
		wg.Add(1)
		go func(r *workerRun) {
			defer wg.Done()
			defer e.sem.Release(1)
			e.runWorker(stageCtx, stream, spec, r)
		}(r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	cancelled := false
	select {
	case <-done:
		cancelled = ctx.Err() != nil
	case <-ctx.Done():
		cancelled = true
		cancel()
		select {
		case <-done:
		case <-time.After(e.cancelGrace):
			// Slow workers missed the grace window; fabricate their
			// cancelled finishes so the stage can close.
			e.logger.Warn("Cancellation grace expired, fabricating worker finishes",
				"stage", spec.ID)
			for _, r := range runs {
				e.finishWorker(stream, spec.ID, r, models.Usage{}, models.FinishCancelled, "cancellation grace expired")
			}
		}
	}

	return e.finishStage(stream, spec, state, cancelled)
}

func (e *Executor) finishStage(stream *events.Stream, spec StageSpec, state *models.StageState, cancelled bool) *models.StageState {
	if cancelled {
		state.Status = models.StageCancelled
	} else {
		state.Status = spec.Policy.evaluate(state)
	}

	// Only a stage the session will advance past publishes its hook
	// output; a failed rank stage must not emit an aggregate the
	// orchestrator then discards.
	if spec.BeforeFinish != nil && state.Status.Advanceable() {
		spec.BeforeFinish(state)
	}

	summary := fmt.Sprintf("%d/%d workers done", state.DoneCount(), len(state.Workers))
	stream.Publish(events.StageFinishedPayload{
		Stage:   spec.ID,
		Status:  state.Status,
		Lost:    lostUnlessComplete(state),
		Summary: summary,
	})
	e.logger.Info("Stage finished",
		"stage", spec.ID, "status", state.Status, "done", state.DoneCount(), "workers", len(state.Workers))
	return state
}

func lostUnlessComplete(state *models.StageState) []string {
	if state.DoneCount() == len(state.Workers) {
		return nil
	}
	return state.LostRoles()
}

func (e *Executor) runWorker(ctx context.Context, stream *events.Stream, spec StageSpec, r *workerRun) {
	stream.Publish(events.WorkerStartedPayload{
		Stage: spec.ID,
		Role:  r.spec.Role,
		Model: r.spec.Choice.Model,
	})

	r.mu.Lock()
	r.state.Status = models.WorkerStreaming
	r.mu.Unlock()

	s, err := e.client.Call(ctx, llm.CallRequest{
		CompanyID:     spec.CompanyID,
		Purpose:       r.spec.Purpose,
		Model:         r.spec.Choice,
		Messages:      r.spec.Messages,
		UserKey:       spec.UserKey,
		UserKeyActive: spec.UserKeyActive,
	})
	if err != nil {
		e.finishWorker(stream, spec.ID, r, models.Usage{}, models.FinishError, err.Error())
		return
	}

	for tok := range s.Tokens() {
		r.mu.Lock()
		if r.finished {
			// A fabricated cancel closed this worker; no token may
			// follow its finished event.
			r.mu.Unlock()
			for range s.Tokens() {
			}
			break
		}
		r.state.Output += tok
		stream.Publish(events.WorkerTokenPayload{Stage: spec.ID, Role: r.spec.Role, Text: tok})
		r.mu.Unlock()
	}

	usage, reason, callErr := s.Wait()
	r.mu.Lock()
	if !r.finished {
		r.state.ModelID = s.Model()
	}
	r.mu.Unlock()

	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	e.finishWorker(stream, spec.ID, r, usage, reason, msg)
}

// finishWorker applies the exactly-once finish transition and emits the
// finished event. Returns false when the worker had already finished.
func (e *Executor) finishWorker(stream *events.Stream, stage models.StageID, r *workerRun, usage models.Usage, reason models.FinishReason, errMsg string) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.state.FinishReason = reason
	r.state.Usage = usage
	r.state.ErrorMessage = errMsg
	switch reason {
	case models.FinishStop, models.FinishLength:
		r.state.Status = models.WorkerDone
	case models.FinishCancelled:
		r.state.Status = models.WorkerCancelled
	default:
		r.state.Status = models.WorkerError
	}
	r.mu.Unlock()

	stream.Publish(events.WorkerFinishedPayload{
		Stage:  stage,
		Role:   r.spec.Role,
		Reason: reason,
		Usage:  usage,
		Error:  errMsg,
	})
	return true
}
