package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/unsubscribe"
)

// ActionRepo implements unsubscribe.ActionStore against PostgreSQL.
type ActionRepo struct{ db *sql.DB }

// NewActionRepo creates a Postgres-backed unsubscribe action repository.
func NewActionRepo(db *sql.DB) *ActionRepo { return &ActionRepo{db: db} }

const actionColumns = `id, subscription_id, user_id, state, COALESCE(action_type,''),
	       cancellation_link, http_status, COALESCE(instructions,''),
	       COALESCE(failure_reason,''), evidence_message_id,
	       initiated_at, completed_at, monitor_until`

func scanAction(row interface{ Scan(...interface{}) error }) (*domain.UnsubscribeAction, error) {
	a := &domain.UnsubscribeAction{}
	err := row.Scan(
		&a.ID, &a.SubscriptionID, &a.UserID, &a.State, &a.ActionType,
		&a.CancellationLink, &a.HTTPStatus, &a.Instructions,
		&a.FailureReason, &a.EvidenceMessageID,
		&a.InitiatedAt, &a.CompletedAt, &a.MonitorUntil,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *ActionRepo) Create(ctx context.Context, a *domain.UnsubscribeAction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO unsubscribe_actions
			(id, subscription_id, user_id, state, cancellation_link, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.SubscriptionID, a.UserID, a.State, a.CancellationLink, a.InitiatedAt)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.UnsubscribeAction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+`
		FROM unsubscribe_actions
		WHERE id = $1
	`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, unsubscribe.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (r *ActionRepo) Update(ctx context.Context, a *domain.UnsubscribeAction) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE unsubscribe_actions SET
			state = $1, action_type = NULLIF($2,''), http_status = $3,
			instructions = NULLIF($4,''), failure_reason = NULLIF($5,''),
			evidence_message_id = $6, completed_at = $7, monitor_until = $8,
			updated_at = NOW()
		WHERE id = $9
	`, a.State, a.ActionType, a.HTTPStatus,
		a.Instructions, a.FailureReason,
		a.EvidenceMessageID, a.CompletedAt, a.MonitorUntil, a.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return unsubscribe.ErrNotFound
	}
	return nil
}

func (r *ActionRepo) HasOpen(ctx context.Context, subscriptionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM unsubscribe_actions
			WHERE subscription_id = $1
			  AND state NOT IN ('confirmed','failed','timed_out')
		)
	`, subscriptionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open actions: %w", err)
	}
	return exists, nil
}

func (r *ActionRepo) ListMonitoring(ctx context.Context, userID string) ([]*domain.UnsubscribeAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+`
		FROM unsubscribe_actions
		WHERE user_id = $1 AND state IN ('awaiting_confirmation','manual_required')
	`, userID)
}

func (r *ActionRepo) ListOverdue(ctx context.Context, now time.Time) ([]*domain.UnsubscribeAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+`
		FROM unsubscribe_actions
		WHERE state IN ('awaiting_confirmation','manual_required')
		  AND monitor_until IS NOT NULL AND monitor_until < $1
	`, now)
}

// ClaimRequested atomically claims one requested action for dispatch.
// Returns nil when nothing is queued.
func (r *ActionRepo) ClaimRequested(ctx context.Context) (*domain.UnsubscribeAction, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE unsubscribe_actions SET state = 'in_progress', updated_at = NOW()
		WHERE id = (
			SELECT id FROM unsubscribe_actions
			WHERE state = 'requested'
			ORDER BY initiated_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+actionColumns,
	)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim requested action: %w", err)
	}
	return a, nil
}

// RequeueStale returns in-progress actions orphaned by a dead worker to the
// requested queue so another worker picks them up.
func (r *ActionRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE unsubscribe_actions
		SET state = 'requested', updated_at = NOW()
		WHERE state = 'in_progress' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *ActionRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.UnsubscribeAction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*domain.UnsubscribeAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
