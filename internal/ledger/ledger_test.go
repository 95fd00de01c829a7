package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscout/subscout/internal/domain"
)

type fakeStore struct {
	inserted []*domain.ActivityEvent
	filter   Filter
}

func (f *fakeStore) Insert(_ context.Context, ev *domain.ActivityEvent) error {
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeStore) List(_ context.Context, _ string, filter Filter) ([]*domain.ActivityEvent, error) {
	f.filter = filter
	return f.inserted, nil
}

func TestAppendAssignsIdentity(t *testing.T) {
	store := &fakeStore{}
	l := New(store)
	l.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }

	ev := &domain.ActivityEvent{UserID: "u1", EventType: domain.EventScanStarted}
	require.NoError(t, l.Append(context.Background(), ev))

	require.Len(t, store.inserted, 1)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "system", ev.Actor)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ev.CreatedAt)
}

func TestAppendRejectsIncomplete(t *testing.T) {
	l := New(&fakeStore{})

	err := l.Append(context.Background(), &domain.ActivityEvent{EventType: domain.EventScanStarted})
	assert.Error(t, err)

	err = l.Append(context.Background(), &domain.ActivityEvent{UserID: "u1"})
	assert.Error(t, err)
}

func TestListClampsLimit(t *testing.T) {
	store := &fakeStore{}
	l := New(store)

	_, err := l.List(context.Background(), "u1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 100, store.filter.Limit)

	_, err = l.List(context.Background(), "u1", Filter{Limit: 9999})
	require.NoError(t, err)
	assert.Equal(t, 100, store.filter.Limit)

	_, err = l.List(context.Background(), "u1", Filter{Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, 25, store.filter.Limit)
}
