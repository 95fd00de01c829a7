package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/scan"
)

// ScanSessionRepo implements scan.SessionStore against PostgreSQL.
type ScanSessionRepo struct{ db *sql.DB }

// NewScanSessionRepo creates a Postgres-backed scan session repository.
func NewScanSessionRepo(db *sql.DB) *ScanSessionRepo { return &ScanSessionRepo{db: db} }

const sessionColumns = `id, user_id, window_start, window_end, force_rescan, cursor,
	       status, COALESCE(failure_reason,''), cancel_requested,
	       messages_seen, candidates_found, subscriptions_created, subscriptions_updated,
	       started_at, completed_at, created_at`

func (r *ScanSessionRepo) Create(ctx context.Context, s *domain.ScanSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_sessions
			(id, user_id, window_start, window_end, force_rescan, cursor, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, s.ID, s.UserID, s.WindowStart, s.WindowEnd, s.ForceRescan, s.Cursor, s.Status)
	if err != nil {
		// The partial unique index on active sessions makes a racing
		// start lose here.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return scan.ErrScanConflict
		}
		return fmt.Errorf("create scan session: %w", err)
	}
	return nil
}

func (r *ScanSessionRepo) Get(ctx context.Context, id string) (*domain.ScanSession, error) {
	s := &domain.ScanSession{}
	err := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM scan_sessions
		WHERE id = $1
	`, id).Scan(
		&s.ID, &s.UserID, &s.WindowStart, &s.WindowEnd, &s.ForceRescan, &s.Cursor,
		&s.Status, &s.FailureReason, &s.CancelRequested,
		&s.MessagesSeen, &s.CandidatesFound, &s.SubscriptionsCreated, &s.SubscriptionsUpdated,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, scan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan session: %w", err)
	}
	return s, nil
}

// LastFailed returns the user's most recent failed session, or nil when
// there is none.
func (r *ScanSessionRepo) LastFailed(ctx context.Context, userID string) (*domain.ScanSession, error) {
	s := &domain.ScanSession{}
	err := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM scan_sessions
		WHERE user_id = $1 AND status = 'failed'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(
		&s.ID, &s.UserID, &s.WindowStart, &s.WindowEnd, &s.ForceRescan, &s.Cursor,
		&s.Status, &s.FailureReason, &s.CancelRequested,
		&s.MessagesSeen, &s.CandidatesFound, &s.SubscriptionsCreated, &s.SubscriptionsUpdated,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last failed session: %w", err)
	}
	return s, nil
}

func (r *ScanSessionRepo) HasActive(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM scan_sessions
			WHERE user_id = $1 AND status IN ('pending','running')
		)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active session: %w", err)
	}
	return exists, nil
}

func (r *ScanSessionRepo) Update(ctx context.Context, s *domain.ScanSession) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions SET
			cursor = $1, status = $2, failure_reason = NULLIF($3,''),
			messages_seen = $4, candidates_found = $5,
			subscriptions_created = $6, subscriptions_updated = $7,
			started_at = $8, completed_at = $9, updated_at = NOW()
		WHERE id = $10
	`, s.Cursor, s.Status, s.FailureReason,
		s.MessagesSeen, s.CandidatesFound,
		s.SubscriptionsCreated, s.SubscriptionsUpdated,
		s.StartedAt, s.CompletedAt, s.ID)
	if err != nil {
		return fmt.Errorf("update scan session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return scan.ErrNotFound
	}
	return nil
}

func (r *ScanSessionRepo) MarkCancelRequested(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions SET cancel_requested = true
		WHERE id = $1 AND status IN ('pending','running')
	`, id)
	if err != nil {
		return fmt.Errorf("mark cancel requested: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return scan.ErrNotFound
	}
	return nil
}

// ClaimPending atomically claims one pending session for a worker. SKIP
// LOCKED keeps concurrent workers from fighting over the same row. Returns
// nil when the queue is empty.
func (r *ScanSessionRepo) ClaimPending(ctx context.Context) (*domain.ScanSession, error) {
	s := &domain.ScanSession{}
	err := r.db.QueryRowContext(ctx, `
		UPDATE scan_sessions SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM scan_sessions
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+sessionColumns,
	).Scan(
		&s.ID, &s.UserID, &s.WindowStart, &s.WindowEnd, &s.ForceRescan, &s.Cursor,
		&s.Status, &s.FailureReason, &s.CancelRequested,
		&s.MessagesSeen, &s.CandidatesFound, &s.SubscriptionsCreated, &s.SubscriptionsUpdated,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending session: %w", err)
	}
	return s, nil
}

// RequeueStale returns sessions orphaned by a dead worker to the queue. A
// running session stops heartbeating through updated_at once its worker
// dies; past the cutoff it goes back to pending with its cursor intact so
// another worker resumes it.
func (r *ScanSessionRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions
		SET status = 'pending', started_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
