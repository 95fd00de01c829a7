package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/subscout/subscout/internal/domain"
)

// MessageRefRepo implements scan.RefStore against PostgreSQL.
type MessageRefRepo struct{ db *sql.DB }

// NewMessageRefRepo creates a Postgres-backed message ref repository.
func NewMessageRefRepo(db *sql.DB) *MessageRefRepo { return &MessageRefRepo{db: db} }

func (r *MessageRefRepo) Exists(ctx context.Context, userID, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_message_refs
			WHERE user_id = $1 AND message_id = $2
		)
	`, userID, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message ref: %w", err)
	}
	return exists, nil
}

func (r *MessageRefRepo) Insert(ctx context.Context, ref *domain.EmailMessageRef) error {
	// Re-scans hit the same (user_id, message_id) pair; first write wins.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_message_refs
			(user_id, message_id, sender_domain, received_at, decision, scan_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, message_id) DO NOTHING
	`, ref.UserID, ref.MessageID, ref.SenderDomain, ref.ReceivedAt, ref.Decision, ref.SessionID)
	if err != nil {
		return fmt.Errorf("insert message ref: %w", err)
	}
	return nil
}
