// Package budget gates session admission on the external quota service and
// debits usage when sessions terminate.
package budget

import (
	"context"

	"github.com/councilhq/council/pkg/models"
)

// DenyKind classifies an admission refusal.
type DenyKind string

// Deny kinds surfaced to the caller.
const (
	DenyOverMonthlyQuota DenyKind = "over_monthly_quota"
	DenyPaymentRequired  DenyKind = "payment_required"
	DenyKeyInvalid       DenyKind = "key_invalid"
	DenyCompanyDisabled  DenyKind = "company_disabled"
)

// Admission is the pre-flight decision for one session.
type Admission struct {
	Allowed bool `json:"allowed"`

	// Remaining is the quota left before this call; meaningful only when
	// Allowed.
	Remaining int `json:"remaining"`

	// DenyKind and Message are set only when not Allowed.
	DenyKind DenyKind `json:"deny_kind,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Gate is the budget and quota gate consulted by the orchestrator.
//
// Check and Debit for the same session happen in that order but are not
// transactional with each other; a session counted by Check whose Debit
// never arrives may overshoot quota by at most one session per user.
type Gate interface {
	// Check decides whether the caller may run a session.
	Check(ctx context.Context, userID, companyID string) (Admission, error)

	// Debit charges the usage a terminated session actually consumed.
	// Idempotent per session id: replays are no-ops.
	Debit(ctx context.Context, sessionID, userID, companyID string, usage models.Usage) error
}

// DebitLedger records which sessions have already been debited, making
// Debit idempotent across retries and process restarts. Implemented by the
// store.
type DebitLedger interface {
	// MarkDebited records the debit for a session. Returns false when the
	// session was already marked, in which case the remote debit is skipped.
	MarkDebited(ctx context.Context, sessionID string, usage models.Usage) (bool, error)
}
