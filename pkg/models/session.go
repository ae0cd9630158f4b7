// Package models holds the shared value types for sessions, stages,
// workers, rankings, and persisted message records.
package models

import "time"

// SessionOutcome is the terminal (or running) state of a deliberation session.
type SessionOutcome string

// Session outcome values.
const (
	OutcomeRunning  SessionOutcome = "running"
	OutcomeComplete SessionOutcome = "complete"
	OutcomeStopped  SessionOutcome = "stopped"
	OutcomeFailed   SessionOutcome = "failed"
)

// Terminal reports whether the outcome is a frozen end state.
func (o SessionOutcome) Terminal() bool {
	return o == OutcomeComplete || o == OutcomeStopped || o == OutcomeFailed
}

// Session is a single deliberation run: one question fanned out to the
// council, peer-ranked, and synthesised by the chairman.
//
// A session is created by its orchestrator and mutated only by that
// orchestrator instance until the outcome leaves OutcomeRunning, after
// which it is frozen.
type Session struct {
	ID             string
	UserID         string
	CompanyID      string
	ConversationID string

	Question    string
	Attachments []string

	SystemPrompt string
	RoleSet      []string

	Stages  [3]*StageState
	Usage   Usage
	Outcome SessionOutcome

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StageByID returns the stage entry for the given stage id, or nil.
func (s *Session) StageByID(id StageID) *StageState {
	for _, st := range s.Stages {
		if st != nil && st.ID == id {
			return st
		}
	}
	return nil
}
