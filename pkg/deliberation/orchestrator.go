package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/councilhq/council/pkg/budget"
	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/models"
	"github.com/councilhq/council/pkg/prompt"
	"github.com/councilhq/council/pkg/registry"
	"github.com/councilhq/council/pkg/store"
)

// ErrSessionNotRunning is returned by Stop for unknown or terminal sessions.
var ErrSessionNotRunning = errors.New("session is not running")

// Machine-stable failure codes surfaced on session.failed events.
const (
	CodeAdmissionDenied      = "admission_denied"
	CodeAdmissionUnavailable = "admission_unavailable"
	CodeCompanyDisabled      = "company_disabled"
	CodeConfigIncomplete     = "config_incomplete"
	CodeContextTooLarge      = "context_too_large"
	CodeContextUnavailable   = "context_unavailable"
	CodeStageFailed          = "stage_failed"
)

const persistWriteTimeout = 15 * time.Second

// Store is the persistence surface the orchestrator writes through.
// Implemented by *store.Store.
type Store interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) error
	AcquireLease(ctx context.Context, sessionID, ownerID string) error
	SetSystemPrompt(ctx context.Context, sessionID, ownerID, prompt string) error
	AppendStageResult(ctx context.Context, ownerID string, req models.AppendStageResultRequest) error
	RecordUsage(ctx context.Context, ownerID string, req models.RecordUsageRequest) error
	FinalizeMessage(ctx context.Context, ownerID string, req models.FinalizeMessageRequest) error
	ReadCompanyContext(ctx context.Context, companyID string, sel models.ContextSelectors) (*store.CompanyContext, error)
	EnsureConversation(ctx context.Context, id, userID, companyID string) error
	UpsertConversationTitle(ctx context.Context, conversationID, title string) error
}

// StartRequest carries everything a new session needs.
type StartRequest struct {
	UserID         string
	CompanyID      string
	ConversationID string
	Question       string
	Attachments    []string
	Selectors      models.ContextSelectors

	UserKey       string
	UserKeyActive bool
}

// SessionHandle is returned by Start: the ids plus the event stream the
// caller subscribes to.
type SessionHandle struct {
	SessionID      string
	ConversationID string
	Stream         *events.Stream
}

type runningSession struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	stopBy string
}

func (r *runningSession) stop(by string) {
	r.mu.Lock()
	if r.stopBy == "" {
		r.stopBy = by
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runningSession) stoppedBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopBy
}

// Orchestrator drives sessions through
// admitting, composing, the three stages, persisting, and a terminal state.
// One orchestrator instance serves the whole process; each session runs on
// its own goroutine and owns its writes exclusively via the store lease.
type Orchestrator struct {
	cfg       config.DeliberationConfig
	eventsCfg config.EventsConfig
	registry  *registry.Registry
	gate      budget.Gate
	assembler *prompt.Assembler
	executor  *Executor
	store     Store
	hub       *events.Hub
	logger    *slog.Logger

	// ownerID scopes this process's session leases.
	ownerID string

	mu      sync.Mutex
	running map[string]*runningSession
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	cfg config.DeliberationConfig,
	eventsCfg config.EventsConfig,
	reg *registry.Registry,
	gate budget.Gate,
	assembler *prompt.Assembler,
	executor *Executor,
	st Store,
	hub *events.Hub,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		eventsCfg: eventsCfg,
		registry:  reg,
		gate:      gate,
		assembler: assembler,
		executor:  executor,
		store:     st,
		hub:       hub,
		logger:    logger.With("component", "orchestrator"),
		ownerID:   uuid.New().String(),
		running:   make(map[string]*runningSession),
	}
}

// Start creates the session and launches its deliberation in the
// background. The handle's stream carries every event, starting with the
// admission outcome.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*SessionHandle, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("question is required")
	}
	if req.UserID == "" || req.CompanyID == "" {
		return nil, fmt.Errorf("user and company are required")
	}

	sessionID := uuid.New().String()
	conversationID := req.ConversationID
	newConversation := conversationID == ""
	if newConversation {
		conversationID = uuid.New().String()
	}

	if err := o.store.EnsureConversation(ctx, conversationID, req.UserID, req.CompanyID); err != nil {
		return nil, fmt.Errorf("failed to prepare conversation: %w", err)
	}
	if err := o.store.CreateSession(ctx, models.CreateSessionRequest{
		ID:             sessionID,
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		ConversationID: conversationID,
		Question:       req.Question,
		Attachments:    req.Attachments,
	}); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	stream := events.NewStream(sessionID, o.eventsCfg.BufferSize, o.eventsCfg.HeartbeatInterval, o.logger)
	o.hub.Register(sessionID, stream)

	// The session outlives the start request: a disconnected subscriber
	// reattaches through the hub.
	sctx, cancel := context.WithCancel(context.Background())
	run := &runningSession{cancel: cancel}
	o.mu.Lock()
	o.running[sessionID] = run
	o.mu.Unlock()

	sess := &models.Session{
		ID:             sessionID,
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		ConversationID: conversationID,
		Question:       req.Question,
		Attachments:    req.Attachments,
		Outcome:        models.OutcomeRunning,
		CreatedAt:      time.Now(),
	}

	go o.run(sctx, run, sess, req, stream, newConversation)

	return &SessionHandle{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Stream:         stream,
	}, nil
}

// Stop cancels a running session. The session still transits through
// persisting and emits session.stopped within the grace window.
func (o *Orchestrator) Stop(sessionID string) error {
	o.mu.Lock()
	run, ok := o.running[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotRunning
	}
	run.stop("user")
	return nil
}

// StopAll cancels every running session, used on graceful shutdown, and
// waits until they have drained or the deadline passes.
func (o *Orchestrator) StopAll(deadline time.Duration) {
	o.mu.Lock()
	for _, run := range o.running {
		run.stop("shutdown")
	}
	o.mu.Unlock()

	expire := time.After(deadline)
	for {
		o.mu.Lock()
		n := len(o.running)
		o.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-expire:
			o.logger.Warn("Shutdown deadline passed with sessions still draining", "remaining", n)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ActiveSessions reports sessions currently running in this process.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// ────────────────────────────────────────────────────────────
// Session lifecycle
// ────────────────────────────────────────────────────────────

func (o *Orchestrator) run(sctx context.Context, run *runningSession, sess *models.Session, req StartRequest, stream *events.Stream, newConversation bool) {
	logger := o.logger.With("session_id", sess.ID)
	defer func() {
		o.mu.Lock()
		delete(o.running, sess.ID)
		o.mu.Unlock()
		o.hub.Retire(sess.ID)
	}()

	ctx, cancelTimeout := context.WithTimeout(sctx, o.cfg.SessionTimeout)
	defer cancelTimeout()

	// ── admitting ──
	adm, err := o.gate.Check(ctx, sess.UserID, sess.CompanyID)
	if err != nil {
		logger.Error("Admission check unavailable", "error", err)
		o.fail(sess, stream, CodeAdmissionUnavailable, "quota service unavailable", logger)
		return
	}
	if !adm.Allowed {
		logger.Info("Session denied admission", "deny_kind", adm.DenyKind)
		o.fail(sess, stream, CodeAdmissionDenied,
			fmt.Sprintf("%s: %s", adm.DenyKind, adm.Message), logger)
		return
	}

	if err := o.store.AcquireLease(ctx, sess.ID, o.ownerID); err != nil {
		logger.Error("Failed to acquire session lease", "error", err)
		o.fail(sess, stream, CodeContextUnavailable, "session is owned by another writer", logger)
		return
	}

	stream.Publish(events.SessionOpenedPayload{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		QuotaRemaining: adm.Remaining,
	})
	logger.Info("Session opened", "quota_remaining", adm.Remaining)

	// ── composing ──
	snapshot, err := o.store.ReadCompanyContext(ctx, sess.CompanyID, req.Selectors)
	if err != nil {
		logger.Error("Failed to read company context", "error", err)
		o.fail(sess, stream, CodeContextUnavailable, "could not load company context", logger)
		return
	}
	if snapshot.Disabled {
		o.fail(sess, stream, CodeCompanyDisabled, "company is disabled", logger)
		return
	}

	bundle, err := o.assembler.Assemble(prompt.AssembleInput{
		Company:     snapshot.Company,
		Departments: snapshot.Departments,
		Roles:       snapshot.Roles,
		Project:     snapshot.Project,
		Playbooks:   snapshot.Playbooks,
		Decisions:   snapshot.Decisions,
		Question:    sess.Question,
	})
	if err != nil {
		logger.Error("Context assembly failed", "error", err)
		o.fail(sess, stream, CodeContextTooLarge, err.Error(), logger)
		return
	}
	sess.SystemPrompt = bundle.SystemPrompt()

	stage1Choices, err := o.registry.Resolve(sess.CompanyID, config.PurposeStage1)
	var stage2Choices, stage3Choices []config.ModelChoice
	if err == nil {
		stage2Choices, err = o.registry.Resolve(sess.CompanyID, config.PurposeStage2)
	}
	if err == nil {
		stage3Choices, err = o.registry.Resolve(sess.CompanyID, config.PurposeStage3)
	}
	if err != nil {
		logger.Error("Model registry incomplete", "error", err)
		o.fail(sess, stream, CodeConfigIncomplete, err.Error(), logger)
		return
	}

	if err := o.store.SetSystemPrompt(ctx, sess.ID, o.ownerID, sess.SystemPrompt); err != nil {
		logger.Warn("Failed to persist system prompt", "error", err)
	}
	if newConversation {
		if err := o.store.UpsertConversationTitle(ctx, sess.ConversationID, deriveTitle(sess.Question)); err != nil {
			logger.Warn("Failed to set conversation title", "error", err)
		}
	}

	// ── stage 1: draft ──
	stream.Publish(events.StageStartedPayload{Stage: models.StageDraft})
	draftState := o.executor.ExecuteStage(ctx, stream, StageSpec{
		CompanyID:     sess.CompanyID,
		ID:            models.StageDraft,
		Workers:       draftWorkers(stage1Choices, bundle),
		Policy:        AllOrDegraded(o.cfg.MinDone),
		UserKey:       req.UserKey,
		UserKeyActive: req.UserKeyActive,
	})
	sess.Stages[0] = draftState
	o.persistStage(sess, draftState, logger)

	if draftState.Status == models.StageCancelled {
		o.terminate(run, sess, stream, models.Ranking{}, logger)
		return
	}
	if !draftState.Status.Advanceable() {
		o.persistTerminal(sess, models.OutcomeFailed, CodeStageFailed, models.Ranking{}, "", logger)
		stream.Publish(events.SessionFailedPayload{
			Code:    CodeStageFailed,
			Message: "drafting stage did not meet its minimum",
		})
		return
	}

	// ── stage 2: rank ──
	participants, drafts := stageOneResults(draftState)
	ranking := models.Ranking{}

	stream.Publish(events.StageStartedPayload{Stage: models.StageRank})
	rankState := o.executor.ExecuteStage(ctx, stream, StageSpec{
		CompanyID:     sess.CompanyID,
		ID:            models.StageRank,
		Workers:       rankWorkers(stage2Choices, bundle, drafts),
		Policy:        AllOrDegraded(o.cfg.MinDone),
		UserKey:       req.UserKey,
		UserKeyActive: req.UserKeyActive,
		BeforeFinish: func(state *models.StageState) {
			ranking = aggregateBallots(state, participants)
			stream.Publish(events.RankingAggregatedPayload{Entries: ranking.Aggregate})
		},
	})
	sess.Stages[1] = rankState
	o.persistStage(sess, rankState, logger)

	if rankState.Status == models.StageCancelled {
		o.terminate(run, sess, stream, ranking, logger)
		return
	}
	if rankState.Status == models.StageFailed {
		// Ranking is advisory: synthesis proceeds without it.
		logger.Warn("Ranking stage failed, proceeding without ranking")
		ranking = models.Ranking{}
	}

	// ── stage 3: synth ──
	stream.Publish(events.StageStartedPayload{Stage: models.StageSynth, Ranking: ranking.Aggregate})
	synthState := o.executor.ExecuteStage(ctx, stream, StageSpec{
		CompanyID:     sess.CompanyID,
		ID:            models.StageSynth,
		Workers:       synthWorkers(stage3Choices[0], bundle, drafts, ranking.Aggregate),
		Policy:        Single(),
		UserKey:       req.UserKey,
		UserKeyActive: req.UserKeyActive,
	})
	sess.Stages[2] = synthState
	o.persistStage(sess, synthState, logger)

	if synthState.Status == models.StageCancelled {
		o.terminate(run, sess, stream, ranking, logger)
		return
	}
	if synthState.Status != models.StageComplete {
		o.persistTerminal(sess, models.OutcomeFailed, CodeStageFailed, ranking, "", logger)
		stream.Publish(events.SessionFailedPayload{
			Code:    CodeStageFailed,
			Message: "synthesis stage failed",
		})
		return
	}

	// ── persisting → complete ──
	synthesis := synthState.Workers[0].Output
	record := o.persistTerminal(sess, models.OutcomeComplete, "", ranking, synthesis, logger)
	o.debit(sess, logger)
	stream.Publish(events.SessionCompletedPayload{Usage: sess.Usage, Record: record})
	logger.Info("Session completed",
		"input_tokens", sess.Usage.InputTokens,
		"output_tokens", sess.Usage.OutputTokens,
		"cost_cents", sess.Usage.CostCents)
}

// terminate finishes a cancelled session: partial results are persisted,
// usage is debited, and session.stopped closes the stream.
func (o *Orchestrator) terminate(run *runningSession, sess *models.Session, stream *events.Stream, ranking models.Ranking, logger *slog.Logger) {
	by := run.stoppedBy()
	if by == "" {
		by = "timeout"
	}
	record := o.persistTerminal(sess, models.OutcomeStopped, "", ranking, "", logger)
	o.debit(sess, logger)
	stream.Publish(events.SessionStoppedPayload{By: by, Usage: sess.Usage, Record: record})
	logger.Info("Session stopped", "by", by)
}

// fail closes a session that never produced work: outcome failed, no debit.
func (o *Orchestrator) fail(sess *models.Session, stream *events.Stream, code, message string, logger *slog.Logger) {
	o.persistTerminal(sess, models.OutcomeFailed, code, models.Ranking{}, "", logger)
	stream.Publish(events.SessionFailedPayload{Code: code, Message: message})
}

// ────────────────────────────────────────────────────────────
// Persistence
// ────────────────────────────────────────────────────────────

// persistCtx returns a context detached from the session: writes must land
// even after cancellation.
func (o *Orchestrator) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistWriteTimeout)
}

func (o *Orchestrator) persistStage(sess *models.Session, state *models.StageState, logger *slog.Logger) {
	var stageUsage models.Usage
	for _, w := range state.Workers {
		stageUsage = stageUsage.Add(w.Usage)
	}
	sess.Usage = sess.Usage.Add(stageUsage)

	ctx, cancel := o.persistCtx()
	defer cancel()

	if err := o.store.AppendStageResult(ctx, o.ownerID, models.AppendStageResultRequest{
		SessionID: sess.ID,
		Stage:     models.StageOutput{Stage: state.ID, Status: state.Status, Workers: state.Workers},
	}); err != nil {
		logger.Warn("Failed to persist stage result", "stage", state.ID, "error", err)
	}
	if !stageUsage.IsZero() {
		if err := o.store.RecordUsage(ctx, o.ownerID, models.RecordUsageRequest{
			SessionID: sess.ID,
			Usage:     stageUsage,
		}); err != nil {
			logger.Warn("Failed to persist stage usage", "stage", state.ID, "error", err)
		}
	}
}

// persistTerminal writes the message record and freezes the session. The
// first attempt is synchronous; failures retry on a background goroutine
// with bounded backoff, and exhaustion is recorded as a divergence.
func (o *Orchestrator) persistTerminal(sess *models.Session, outcome models.SessionOutcome, errorCode string, ranking models.Ranking, synthesis string, logger *slog.Logger) *models.MessageRecord {
	sess.Outcome = outcome

	var stages []models.StageOutput
	for _, st := range sess.Stages {
		if st != nil {
			stages = append(stages, models.StageOutput{Stage: st.ID, Status: st.Status, Workers: st.Workers})
		}
	}
	record := &models.MessageRecord{
		ID:             uuid.New().String(),
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Question:       sess.Question,
		Stages:         stages,
		Synthesis:      synthesis,
		Ranking:        ranking,
		Usage:          sess.Usage,
		Outcome:        outcome,
		CreatedAt:      time.Now(),
	}
	req := models.FinalizeMessageRequest{
		SessionID: sess.ID,
		Record:    *record,
		Outcome:   outcome,
		ErrorCode: errorCode,
	}

	ctx, cancel := o.persistCtx()
	defer cancel()
	if err := o.store.FinalizeMessage(ctx, o.ownerID, req); err != nil {
		logger.Warn("Terminal persistence failed, retrying in background", "error", err)
		go o.retryFinalize(req, logger)
	}
	return record
}

func (o *Orchestrator) retryFinalize(req models.FinalizeMessageRequest, logger *slog.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	policy := backoff.WithMaxRetries(bo, uint64(o.cfg.PersistRetryMax))

	err := backoff.Retry(func() error {
		ctx, cancel := o.persistCtx()
		defer cancel()
		return o.store.FinalizeMessage(ctx, o.ownerID, req)
	}, policy)
	if err != nil {
		// Telemetry only: the session outcome already reached the
		// subscriber and must not change.
		logger.Error("Persistence divergence: message record could not be saved",
			"session_id", req.SessionID, "outcome", req.Outcome, "error", err)
	}
}

func (o *Orchestrator) debit(sess *models.Session, logger *slog.Logger) {
	ctx, cancel := o.persistCtx()
	defer cancel()
	if err := o.gate.Debit(ctx, sess.ID, sess.UserID, sess.CompanyID, sess.Usage); err != nil {
		logger.Warn("Failed to debit session usage", "error", err)
	}
}

// ────────────────────────────────────────────────────────────
// Worker construction
// ────────────────────────────────────────────────────────────

func draftWorkers(choices []config.ModelChoice, bundle *models.ContextBundle) []WorkerSpec {
	msgs := prompt.DraftMessages(bundle)
	workers := make([]WorkerSpec, len(choices))
	for i, c := range choices {
		workers[i] = WorkerSpec{
			Role:     fmt.Sprintf("stage1-worker-%d", i+1),
			Choice:   c,
			Purpose:  config.PurposeStage1,
			Messages: msgs,
		}
	}
	return workers
}

func rankWorkers(choices []config.ModelChoice, bundle *models.ContextBundle, drafts []prompt.Draft) []WorkerSpec {
	msgs := prompt.RankingMessages(bundle, drafts)
	workers := make([]WorkerSpec, len(choices))
	for i, c := range choices {
		workers[i] = WorkerSpec{
			Role:     fmt.Sprintf("ranker-%d", i+1),
			Choice:   c,
			Purpose:  config.PurposeStage2,
			Messages: msgs,
		}
	}
	return workers
}

func synthWorkers(choice config.ModelChoice, bundle *models.ContextBundle, drafts []prompt.Draft, aggregate []models.AggregateEntry) []WorkerSpec {
	return []WorkerSpec{{
		Role:     "chairman",
		Choice:   choice,
		Purpose:  config.PurposeStage3,
		Messages: prompt.SynthesisMessages(bundle, drafts, aggregate),
	}}
}

// stageOneResults assigns anonymous labels to the drafting workers that
// finished done, in stage-1 participant order.
func stageOneResults(state *models.StageState) ([]Participant, []prompt.Draft) {
	var participants []Participant
	var drafts []prompt.Draft
	for _, w := range state.Workers {
		if w.Status != models.WorkerDone {
			continue
		}
		label := prompt.Label(len(participants))
		participants = append(participants, Participant{Label: label, ModelID: w.ModelID})
		drafts = append(drafts, prompt.Draft{Label: label, Text: w.Output})
	}
	return participants, drafts
}

// aggregateBallots parses every done ranker's output and aggregates.
func aggregateBallots(state *models.StageState, participants []Participant) models.Ranking {
	var ballots []models.Ballot
	for _, w := range state.Workers {
		if w.Status != models.WorkerDone {
			continue
		}
		ballots = append(ballots, models.Ballot{
			Role:   w.Role,
			Labels: ParseBallot(w.Output, participants),
		})
	}
	return models.Ranking{
		Ballots:   ballots,
		Aggregate: Aggregate(ballots, participants),
	}
}

// deriveTitle trims the question to a short conversation title at a word
// boundary.
func deriveTitle(question string) string {
	const maxTitle = 80
	title := strings.TrimSpace(question)
	if len(title) <= maxTitle {
		return title
	}
	cut := title[:maxTitle]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxTitle/2 {
		cut = cut[:idx]
	}
	// Avoid splitting a UTF-8 sequence on a hard cut.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
