package models

// StageID identifies one of the three ordered deliberation stages.
type StageID string

// Stage identifiers, in execution order.
const (
	StageDraft StageID = "draft"
	StageRank  StageID = "rank"
	StageSynth StageID = "synth"
)

// StageIndex returns the 0-based position of the stage, or -1 if unknown.
func (id StageID) StageIndex() int {
	switch id {
	case StageDraft:
		return 0
	case StageRank:
		return 1
	case StageSynth:
		return 2
	default:
		return -1
	}
}

// StageStatus is the entry-level status of one stage.
type StageStatus string

// Stage status values.
const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageComplete   StageStatus = "complete"
	StageDegraded   StageStatus = "degraded"
	StageFailed     StageStatus = "failed"
	StageCancelled  StageStatus = "cancelled"
)

// Advanceable reports whether the next stage may begin after this status.
func (s StageStatus) Advanceable() bool {
	return s == StageComplete || s == StageDegraded
}

// WorkerStatus is the per-role execution state within a stage.
type WorkerStatus string

// Worker status values.
const (
	WorkerPending   WorkerStatus = "pending"
	WorkerStreaming WorkerStatus = "streaming"
	WorkerDone      WorkerStatus = "done"
	WorkerError     WorkerStatus = "error"
	WorkerCancelled WorkerStatus = "cancelled"
)

// FinishReason records how one LLM call terminated.
type FinishReason string

// Finish reason values.
const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// WorkerState tracks one (stage, role) execution: the model chosen from the
// registry, the prompt sent, the accumulated tokens, and the terminal reason.
// Output is strictly append-only; FinishReason is set exactly once.
type WorkerState struct {
	Role    string `json:"role"`
	ModelID string `json:"model_id"`
	Prompt  string `json:"-"`

	Status WorkerStatus `json:"status"`
	Output string       `json:"output"`

	FinishReason FinishReason `json:"finish_reason,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Usage        Usage        `json:"usage"`
}

// StageState is one entry of the session's ordered stage tuple.
type StageState struct {
	ID      StageID        `json:"id"`
	Status  StageStatus    `json:"status"`
	Workers []*WorkerState `json:"workers"`
}

// Worker returns the worker state for a role, or nil.
func (st *StageState) Worker(role string) *WorkerState {
	for _, w := range st.Workers {
		if w.Role == role {
			return w
		}
	}
	return nil
}

// DoneCount returns the number of workers that finished done.
func (st *StageState) DoneCount() int {
	n := 0
	for _, w := range st.Workers {
		if w.Status == WorkerDone {
			n++
		}
	}
	return n
}

// LostRoles returns the roles that did not finish done, in declaration order.
func (st *StageState) LostRoles() []string {
	var lost []string
	for _, w := range st.Workers {
		if w.Status != WorkerDone {
			lost = append(lost, w.Role)
		}
	}
	return lost
}
