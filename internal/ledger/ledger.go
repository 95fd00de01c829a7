// Package ledger is the append-only activity trail. Every pipeline decision
// that affects user-visible state lands here; there are no update or delete
// paths.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subscout/subscout/internal/domain"
)

// Store is the persistence surface. Append-only by construction.
type Store interface {
	Insert(ctx context.Context, ev *domain.ActivityEvent) error
	List(ctx context.Context, userID string, filter Filter) ([]*domain.ActivityEvent, error)
}

// Filter narrows a listing. Zero values mean no constraint.
type Filter struct {
	EventType string
	SubjectID string
	Since     time.Time
	Limit     int
}

// Ledger assigns identity and timestamps before handing events to the store.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append records one event. ID and CreatedAt are assigned here when unset so
// callers only describe what happened.
func (l *Ledger) Append(ctx context.Context, ev *domain.ActivityEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("activity event missing user id")
	}
	if ev.EventType == "" {
		return fmt.Errorf("activity event missing event type")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	if err := l.store.Insert(ctx, ev); err != nil {
		return fmt.Errorf("append activity event: %w", err)
	}
	return nil
}

// List returns events for a user, newest first.
func (l *Ledger) List(ctx context.Context, userID string, filter Filter) ([]*domain.ActivityEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	events, err := l.store.List(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list activity events: %w", err)
	}
	return events, nil
}
