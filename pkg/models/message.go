package models

import "time"

// StageOutput is the persisted blob for one stage of a message record.
type StageOutput struct {
	Stage   StageID        `json:"stage"`
	Status  StageStatus    `json:"status"`
	Workers []*WorkerState `json:"workers"`
}

// MessageRecord is the persisted artefact for a conversation turn. It is
// written exactly once, at session termination, and references (does not
// own) the originating session.
type MessageRecord struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	ConversationID string        `json:"conversation_id"`
	Question       string        `json:"question"`
	Stages         []StageOutput `json:"stages"`
	Synthesis      string        `json:"synthesis"`
	Ranking        Ranking       `json:"ranking"`
	Usage          Usage         `json:"usage"`
	Outcome        SessionOutcome `json:"outcome"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ────────────────────────────────────────────────────────────
// Store request types
// ────────────────────────────────────────────────────────────

// CreateSessionRequest carries the fields for a new session row.
type CreateSessionRequest struct {
	ID             string
	UserID         string
	CompanyID      string
	ConversationID string
	Question       string
	Attachments    []string
	RoleSet        []string
}

// AppendStageResultRequest persists one completed stage's state.
type AppendStageResultRequest struct {
	SessionID string
	Stage     StageOutput
}

// FinalizeMessageRequest writes the terminal message record and freezes the
// session row.
type FinalizeMessageRequest struct {
	SessionID string
	Record    MessageRecord
	Outcome   SessionOutcome
	ErrorCode string
}

// RecordUsageRequest accumulates session usage onto the session row.
type RecordUsageRequest struct {
	SessionID string
	Usage     Usage
}
