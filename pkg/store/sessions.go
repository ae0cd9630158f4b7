package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/councilhq/council/pkg/models"
)

// CreateSession inserts a new session row in the running state with no
// lease owner.
func (s *Store) CreateSession(ctx context.Context, req models.CreateSessionRequest) error {
	attachments, err := json.Marshal(req.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	roleSet, err := json.Marshal(req.RoleSet)
	if err != nil {
		return fmt.Errorf("failed to encode role set: %w", err)
	}

	var conversationID any
	if req.ConversationID != "" {
		conversationID = req.ConversationID
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, company_id, conversation_id, question, attachments, role_set)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.UserID, req.CompanyID, conversationID, req.Question, attachments, roleSet)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", req.ID, err)
	}
	return nil
}

// AcquireLease claims exclusive write ownership of a running session.
// Compare-and-swap on the lease column: succeeds when the lease is free or
// already held by ownerID.
func (s *Store) AcquireLease(ctx context.Context, sessionID, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET lease_owner = $2, updated_at = now()
		WHERE id = $1 AND outcome = 'running' AND (lease_owner = '' OR lease_owner = $2)`,
		sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to acquire lease on session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrLeaseHeld)
	}
	return nil
}

// SetSystemPrompt records the assembled system prompt once composing is
// done.
func (s *Store) SetSystemPrompt(ctx context.Context, sessionID, ownerID, prompt string) error {
	return s.leasedExec(ctx, sessionID, ownerID, `
		UPDATE sessions SET system_prompt = $3, updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND outcome = 'running'`, prompt)
}

// AppendStageResult appends one completed stage's state to the session's
// stage log.
func (s *Store) AppendStageResult(ctx context.Context, ownerID string, req models.AppendStageResultRequest) error {
	blob, err := json.Marshal([]models.StageOutput{req.Stage})
	if err != nil {
		return fmt.Errorf("failed to encode stage result: %w", err)
	}
	return s.leasedExec(ctx, req.SessionID, ownerID, `
		UPDATE sessions SET stages = stages || $3::jsonb, updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND outcome = 'running'`, blob)
}

// RecordUsage accumulates usage counters onto the session row.
func (s *Store) RecordUsage(ctx context.Context, ownerID string, req models.RecordUsageRequest) error {
	return s.leasedExec(ctx, req.SessionID, ownerID, `
		UPDATE sessions
		SET input_tokens  = input_tokens + $3,
		    output_tokens = output_tokens + $4,
		    cost_cents    = cost_cents + $5,
		    updated_at    = now()
		WHERE id = $1 AND lease_owner = $2 AND outcome = 'running'`,
		req.Usage.InputTokens, req.Usage.OutputTokens, req.Usage.CostCents)
}

// FinalizeMessage freezes the session at its terminal outcome and writes
// the message record in one transaction. Idempotent: a retry against an
// already-finalized session re-asserts the same outcome and the message
// insert no-ops.
func (s *Store) FinalizeMessage(ctx context.Context, ownerID string, req models.FinalizeMessageRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET outcome = $3, error_code = $4, finished_at = now(), updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND outcome = 'running'`,
		req.SessionID, ownerID, string(req.Outcome), req.ErrorCode)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", req.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		var outcome, owner string
		err := tx.QueryRow(ctx, `SELECT outcome, lease_owner FROM sessions WHERE id = $1`, req.SessionID).
			Scan(&outcome, &owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", req.SessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read session %s: %w", req.SessionID, err)
		}
		if owner != ownerID || outcome != string(req.Outcome) {
			return fmt.Errorf("session %s: %w", req.SessionID, ErrLeaseHeld)
		}
	}

	stages, err := json.Marshal(req.Record.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	ranking, err := json.Marshal(req.Record.Ranking)
	if err != nil {
		return fmt.Errorf("failed to encode ranking: %w", err)
	}

	var conversationID any
	if req.Record.ConversationID != "" {
		conversationID = req.Record.ConversationID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, conversation_id, question, stages, synthesis, ranking,
		                      input_tokens, output_tokens, cost_cents, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING`,
		req.Record.ID, req.SessionID, conversationID, req.Record.Question, stages,
		req.Record.Synthesis, ranking,
		req.Record.Usage.InputTokens, req.Record.Usage.OutputTokens, req.Record.Usage.CostCents,
		string(req.Outcome))
	if err != nil {
		return fmt.Errorf("failed to write message for session %s: %w", req.SessionID, err)
	}

	return tx.Commit(ctx)
}

// MarkDebited records the quota debit for a session. Returns false when a
// debit row already exists.
func (s *Store) MarkDebited(ctx context.Context, sessionID string, usage models.Usage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO quota_debits (session_id, input_tokens, output_tokens, cost_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, usage.InputTokens, usage.OutputTokens, usage.CostCents)
	if err != nil {
		return false, fmt.Errorf("failed to record debit for session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverOrphans marks sessions left running by a crashed process as
// failed. Called once at boot, before this process starts new sessions.
// It sweeps every running session regardless of lease owner, which is
// only safe when a single replica runs against the database.
func (s *Store) RecoverOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sessions
		SET outcome = 'failed', error_code = 'orphaned', finished_at = now(), updated_at = now()
		WHERE outcome = 'running'
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		s.logger.Warn("Marked orphaned sessions as failed", "count", len(ids))
	}
	return ids, rows.Err()
}

// ActiveSessionCount reports sessions currently running, for health checks.
func (s *Store) ActiveSessionCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE outcome = 'running'`).Scan(&n)
	return n, err
}

// GetMessage returns the persisted record for a session, for reattachment
// after the session turned terminal.
func (s *Store) GetMessage(ctx context.Context, sessionID string) (*models.MessageRecord, error) {
	var (
		rec          models.MessageRecord
		conversation *string
		stages       []byte
		ranking      []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, conversation_id, question, stages, synthesis, ranking,
		       input_tokens, output_tokens, cost_cents, outcome, created_at
		FROM messages WHERE session_id = $1`, sessionID).
		Scan(&rec.ID, &rec.SessionID, &conversation, &rec.Question, &stages, &rec.Synthesis, &ranking,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.CostCents, &rec.Outcome, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message for session %s: %w", sessionID, err)
	}
	if conversation != nil {
		rec.ConversationID = *conversation
	}
	if err := json.Unmarshal(stages, &rec.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages: %w", err)
	}
	if err := json.Unmarshal(ranking, &rec.Ranking); err != nil {
		return nil, fmt.Errorf("failed to decode ranking: %w", err)
	}
	return &rec, nil
}

func (s *Store) leasedExec(ctx context.Context, sessionID, ownerID, query string, args ...any) error {
	withIDs := append([]any{sessionID, ownerID}, args...)
	tag, err := s.pool.Exec(ctx, query, withIDs...)
	if err != nil {
		return fmt.Errorf("session %s write failed: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrLeaseHeld)
	}
	return nil
}
