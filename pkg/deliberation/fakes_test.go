package deliberation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/councilhq/council/pkg/budget"
	"github.com/councilhq/council/pkg/llm"
	"github.com/councilhq/council/pkg/models"
	"github.com/councilhq/council/pkg/store"
)

// ────────────────────────────────────────────────────────────
// Scripted gateway
// ────────────────────────────────────────────────────────────

// script describes the behaviour of one model in the fake gateway.
type script struct {
	tokens []string
	delay  time.Duration
	stall  time.Duration
	// linger keeps the stream open for the full duration, ignoring
	// cancellation, like a provider that never honours the disconnect.
	linger time.Duration
	finish models.FinishReason
	err    error
	usage  models.Usage
}

type fakeStream struct {
	tokens chan string
	done   chan struct{}

	usage  models.Usage
	reason models.FinishReason
	err    error
	model  string
}

func (f *fakeStream) Tokens() <-chan string { return f.tokens }

func (f *fakeStream) Wait() (models.Usage, models.FinishReason, error) {
	<-f.done
	return f.usage, f.reason, f.err
}

func (f *fakeStream) Model() string {
	<-f.done
	return f.model
}

type fakeClient struct {
	mu      sync.Mutex
	scripts map[string]script
	calls   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{scripts: make(map[string]script)}
}

func (f *fakeClient) set(model string, sc script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[model] = sc
}

func (f *fakeClient) calledModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Call(ctx context.Context, req llm.CallRequest) (llm.TokenStream, error) {
	f.mu.Lock()
	sc, ok := f.scripts[req.Model.Model]
	f.calls = append(f.calls, req.Model.Model)
	f.mu.Unlock()
	if !ok {
		sc = script{tokens: []string{"default answer"}, finish: models.FinishStop}
	}

	fs := &fakeStream{
		tokens: make(chan string),
		done:   make(chan struct{}),
		model:  req.Model.Model,
	}
	go func() {
		defer func() {
			close(fs.tokens)
			close(fs.done)
		}()

		if sc.linger > 0 {
			time.Sleep(sc.linger)
			fs.reason = models.FinishCancelled
			fs.err = &llm.CallError{Kind: llm.KindCancelled, Message: "cancelled"}
			return
		}
		if sc.delay > 0 {
			select {
			case <-time.After(sc.delay):
			case <-ctx.Done():
				fs.reason = models.FinishCancelled
				fs.err = &llm.CallError{Kind: llm.KindCancelled, Message: "cancelled"}
				return
			}
		}
		for _, tok := range sc.tokens {
			select {
			case fs.tokens <- tok:
			case <-ctx.Done():
				fs.reason = models.FinishCancelled
				fs.err = &llm.CallError{Kind: llm.KindCancelled, Message: "cancelled"}
				return
			}
		}
		if sc.stall > 0 {
			select {
			case <-time.After(sc.stall):
			case <-ctx.Done():
				fs.reason = models.FinishCancelled
				fs.err = &llm.CallError{Kind: llm.KindCancelled, Message: "cancelled"}
				return
			}
		}
		if sc.err != nil {
			fs.reason = models.FinishError
			fs.err = sc.err
			return
		}
		fs.usage = sc.usage
		if sc.finish != "" {
			fs.reason = sc.finish
		} else {
			fs.reason = models.FinishStop
		}
	}()
	return fs, nil
}

// ────────────────────────────────────────────────────────────
// Fake quota gate
// ────────────────────────────────────────────────────────────

type fakeGate struct {
	mu        sync.Mutex
	admission budget.Admission
	checkErr  error
	debits    map[string]int
	usage     map[string]models.Usage
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		admission: budget.Admission{Allowed: true, Remaining: 10},
		debits:    make(map[string]int),
		usage:     make(map[string]models.Usage),
	}
}

func (g *fakeGate) Check(context.Context, string, string) (budget.Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkErr != nil {
		return budget.Admission{}, g.checkErr
	}
	return g.admission, nil
}

func (g *fakeGate) Debit(_ context.Context, sessionID, _, _ string, usage models.Usage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.debits[sessionID] == 0 {
		g.usage[sessionID] = usage
	}
	g.debits[sessionID]++
	return nil
}

func (g *fakeGate) debitCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.debits[sessionID]
}

// ────────────────────────────────────────────────────────────
// Fake store
// ────────────────────────────────────────────────────────────

type fakeStore struct {
	mu            sync.Mutex
	snapshot      *store.CompanyContext
	sessions      map[string]models.CreateSessionRequest
	stages        map[string][]models.StageOutput
	finalized     map[string]models.FinalizeMessageRequest
	titles        map[string]string
	prompts       map[string]string
	finalizeFails int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshot: &store.CompanyContext{
			Company: models.Fragment{Kind: models.FragmentCompany, Title: "Acme Corp", Body: "B2B logistics."},
		},
		sessions:  make(map[string]models.CreateSessionRequest),
		stages:    make(map[string][]models.StageOutput),
		finalized: make(map[string]models.FinalizeMessageRequest),
		titles:    make(map[string]string),
		prompts:   make(map[string]string),
	}
}

func (s *fakeStore) CreateSession(_ context.Context, req models.CreateSessionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[req.ID] = req
	return nil
}

func (s *fakeStore) AcquireLease(context.Context, string, string) error { return nil }

func (s *fakeStore) SetSystemPrompt(_ context.Context, sessionID, _, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[sessionID] = prompt
	return nil
}

func (s *fakeStore) AppendStageResult(_ context.Context, _ string, req models.AppendStageResultRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[req.SessionID] = append(s.stages[req.SessionID], req.Stage)
	return nil
}

func (s *fakeStore) RecordUsage(context.Context, string, models.RecordUsageRequest) error {
	return nil
}

func (s *fakeStore) FinalizeMessage(_ context.Context, _ string, req models.FinalizeMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeFails > 0 {
		s.finalizeFails--
		return fmt.Errorf("database unavailable")
	}
	if _, ok := s.finalized[req.SessionID]; !ok {
		s.finalized[req.SessionID] = req
	}
	return nil
}

func (s *fakeStore) ReadCompanyContext(context.Context, string, models.ContextSelectors) (*store.CompanyContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *fakeStore) EnsureConversation(context.Context, string, string, string) error { return nil }

func (s *fakeStore) UpsertConversationTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.titles[conversationID]; !ok {
		s.titles[conversationID] = title
	}
	return nil
}

func (s *fakeStore) titleFor(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[conversationID]
}

func (s *fakeStore) failFinalizes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeFails = n
}

func (s *fakeStore) finalizedFor(sessionID string) (models.FinalizeMessageRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.finalized[sessionID]
	return req, ok
}
