package store

import (
	"context"
	"fmt"
)

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(ctx context.Context, id, userID, companyID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, company_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, userID, companyID)
	if err != nil {
		return fmt.Errorf("failed to ensure conversation %s: %w", id, err)
	}
	return nil
}

// UpsertConversationTitle sets the conversation title if one has not been
// set yet. The first session of a conversation derives the title from its
// question.
func (s *Store) UpsertConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $2, updated_at = now()
		WHERE id = $1 AND title = ''`,
		conversationID, title)
	if err != nil {
		return fmt.Errorf("failed to set title for conversation %s: %w", conversationID, err)
	}
	return nil
}
