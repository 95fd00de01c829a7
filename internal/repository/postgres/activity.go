package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/ledger"
)

// ActivityRepo implements ledger.Store against PostgreSQL. Append-only:
// there are no update or delete statements in this file on purpose.
type ActivityRepo struct{ db *sql.DB }

// NewActivityRepo creates a Postgres-backed activity repository.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

func (r *ActivityRepo) Insert(ctx context.Context, ev *domain.ActivityEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO activity_events
			(id, user_id, actor, event_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.UserID, ev.Actor, ev.EventType, ev.SubjectID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

func (r *ActivityRepo) List(ctx context.Context, userID string, f ledger.Filter) ([]*domain.ActivityEvent, error) {
	q := `
		SELECT id, user_id, actor, event_type, COALESCE(subject_id,''), payload, created_at
		FROM activity_events
		WHERE user_id = $1`
	args := []interface{}{userID}
	idx := 2

	if f.EventType != "" {
		q += fmt.Sprintf(" AND event_type = $%d", idx)
		args = append(args, f.EventType)
		idx++
	}
	if f.SubjectID != "" {
		q += fmt.Sprintf(" AND subject_id = $%d", idx)
		args = append(args, f.SubjectID)
		idx++
	}
	if !f.Since.IsZero() {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, f.Since)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity events: %w", err)
	}
	defer rows.Close()

	var out []*domain.ActivityEvent
	for rows.Next() {
		ev := &domain.ActivityEvent{}
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Actor, &ev.EventType, &ev.SubjectID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
