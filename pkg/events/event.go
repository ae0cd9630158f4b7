// Package events defines the session event protocol and the per-session
// single-subscriber stream that carries it.
package events

import (
	"github.com/councilhq/council/pkg/models"
)

// Type identifies an event kind on the wire.
type Type string

// Event types, in rough lifecycle order.
const (
	TypeSessionOpened     Type = "session.opened"
	TypeStageStarted      Type = "stage.started"
	TypeWorkerStarted     Type = "worker.started"
	TypeWorkerToken       Type = "worker.token"
	TypeWorkerFinished    Type = "worker.finished"
	TypeRankingAggregated Type = "ranking.aggregated"
	TypeStageFinished     Type = "stage.finished"
	TypeSessionStopped    Type = "session.stopped"
	TypeSessionCompleted  Type = "session.completed"
	TypeSessionFailed     Type = "session.failed"
	TypeHeartbeat         Type = "heartbeat"
)

// Terminal reports whether t ends the session stream.
func (t Type) Terminal() bool {
	return t == TypeSessionStopped || t == TypeSessionCompleted || t == TypeSessionFailed
}

// Event is one wire event: a per-session monotone sequence number starting
// at 1 with no gaps, the kind, a millisecond timestamp, and a typed payload.
type Event struct {
	Seq     int64   `json:"seq"`
	Type    Type    `json:"type"`
	TS      int64   `json:"ts"`
	Payload Payload `json:"payload"`
}

// Payload is implemented by every event payload type.
type Payload interface {
	EventType() Type
}

// ────────────────────────────────────────────────────────────
// Payloads
// ────────────────────────────────────────────────────────────

// SessionOpenedPayload announces an admitted session.
type SessionOpenedPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	QuotaRemaining int    `json:"quota_remaining"`
}

func (SessionOpenedPayload) EventType() Type { return TypeSessionOpened }

// StageStartedPayload opens one stage. Ranking carries the stage-2
// aggregate when the synthesis stage starts with a ranking available.
type StageStartedPayload struct {
	Stage   models.StageID          `json:"stage"`
	Ranking []models.AggregateEntry `json:"ranking,omitempty"`
}

func (StageStartedPayload) EventType() Type { return TypeStageStarted }

// WorkerStartedPayload precedes any token from the worker.
type WorkerStartedPayload struct {
	Stage models.StageID `json:"stage"`
	Role  string         `json:"role"`
	Model string         `json:"model"`
}

func (WorkerStartedPayload) EventType() Type { return TypeWorkerStarted }

// WorkerTokenPayload carries one or more concatenated text fragments from a
// worker. Fragments are strictly appended to the role's buffered output.
type WorkerTokenPayload struct {
	Stage models.StageID `json:"stage"`
	Role  string         `json:"role"`
	Text  string         `json:"text"`
}

func (WorkerTokenPayload) EventType() Type { return TypeWorkerToken }

// WorkerFinishedPayload is emitted exactly once per worker.
type WorkerFinishedPayload struct {
	Stage  models.StageID      `json:"stage"`
	Role   string              `json:"role"`
	Reason models.FinishReason `json:"reason"`
	Usage  models.Usage        `json:"usage"`
	Error  string              `json:"error,omitempty"`
}

func (WorkerFinishedPayload) EventType() Type { return TypeWorkerFinished }

// RankingAggregatedPayload carries the stage-2 aggregate order. Entries is
// empty when no ranker produced a parseable ballot.
type RankingAggregatedPayload struct {
	Entries []models.AggregateEntry `json:"entries"`
}

func (RankingAggregatedPayload) EventType() Type { return TypeRankingAggregated }

// StageFinishedPayload closes one stage; always the last stage event.
type StageFinishedPayload struct {
	Stage   models.StageID     `json:"stage"`
	Status  models.StageStatus `json:"status"`
	Lost    []string           `json:"lost,omitempty"`
	Summary string             `json:"summary,omitempty"`
}

func (StageFinishedPayload) EventType() Type { return TypeStageFinished }

// SessionStoppedPayload terminates a cancelled session. By is "user",
// "timeout", or "shutdown".
type SessionStoppedPayload struct {
	By     string                `json:"by"`
	Usage  models.Usage          `json:"usage"`
	Record *models.MessageRecord `json:"record,omitempty"`
}

func (SessionStoppedPayload) EventType() Type { return TypeSessionStopped }

// SessionCompletedPayload terminates a successful session with the final
// persisted record.
type SessionCompletedPayload struct {
	Usage  models.Usage          `json:"usage"`
	Record *models.MessageRecord `json:"record,omitempty"`
}

func (SessionCompletedPayload) EventType() Type { return TypeSessionCompleted }

// SessionFailedPayload terminates a failed session. Code is machine-stable
// (admission_denied, config_incomplete, context_too_large, stage_failed).
type SessionFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (SessionFailedPayload) EventType() Type { return TypeSessionFailed }

// HeartbeatPayload keeps idle transports alive. Count is monotone within
// the session.
type HeartbeatPayload struct {
	Count int64 `json:"count"`
}

func (HeartbeatPayload) EventType() Type { return TypeHeartbeat }
