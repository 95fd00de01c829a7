package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscout/subscout/internal/domain"
)

type fakeStore struct {
	subs    []*domain.Subscription
	creates int
	updates int
}

func (f *fakeStore) ListNonCancelled(_ context.Context, userID string) ([]*domain.Subscription, error) {
	var out []*domain.Subscription
	for _, s := range f.subs {
		if s.UserID == userID && s.Status != domain.SubscriptionCancelled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, sub *domain.Subscription) error {
	f.creates++
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeStore) Update(_ context.Context, sub *domain.Subscription) error {
	f.updates++
	return nil
}

type fakeLedger struct {
	events []*domain.ActivityEvent
}

func (f *fakeLedger) Append(_ context.Context, ev *domain.ActivityEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeLedger) byType(t string) []*domain.ActivityEvent {
	var out []*domain.ActivityEvent
	for _, ev := range f.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine() (*Engine, *fakeStore, *fakeLedger) {
	store := &fakeStore{}
	ledger := &fakeLedger{}
	eng := New(store, ledger, Config{CreationThreshold: 0.5, PriceTolerancePct: 10})
	eng.now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return eng, store, ledger
}

func netflixFields(confidence float64) *domain.ClassifiedFields {
	renewal := time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)
	return &domain.ClassifiedFields{
		ServiceName:     "Netflix",
		ServiceDomain:   "netflix.com",
		Price:           15.49,
		Currency:        "USD",
		BillingPeriod:   domain.BillingMonthly,
		NextRenewalDate: &renewal,
		Confidence:      confidence,
		DetectedBy:      domain.DetectedByModel,
	}
}

func message(id string) *domain.EmailMessage {
	return &domain.EmailMessage{ID: id, SenderDomain: "mail.netflix.com"}
}

func TestMergeCreatesAboveThreshold(t *testing.T) {
	eng, store, ledger := newTestEngine()

	out, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
	require.Len(t, store.subs, 1)

	sub := store.subs[0]
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "m1", sub.FirstSeenMessageID)
	assert.Equal(t, []string{"m1"}, sub.SourceMessageIDs)
	assert.Equal(t, 0.9, sub.Confidence)

	require.Len(t, ledger.byType(domain.EventSubscriptionCreated), 1)
}

func TestMergeIgnoresBelowThresholdNoMatch(t *testing.T) {
	eng, store, ledger := newTestEngine()

	out, err := eng.Merge(context.Background(), "u1", netflixFields(0.3), message("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Empty(t, store.subs)
	assert.Empty(t, ledger.events)
}

func TestMergeMatchesNormalizedIdentity(t *testing.T) {
	eng, _, _ := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)

	fields := netflixFields(0.9)
	fields.ServiceName = "NETFLIX, Inc."
	match := eng.findMatch([]*domain.Subscription{{ServiceName: "Netflix Inc", Currency: "USD"}}, fields)
	assert.NotNil(t, match)

	assert.Equal(t, "netflix inc", identityKey("NETFLIX, Inc."))
	assert.Equal(t, "spotify", identityKey("  Spotify.  "))
}

func TestMergeUpdatesWithHigherConfidence(t *testing.T) {
	eng, store, ledger := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.6), message("m1"))
	require.NoError(t, err)

	fields := netflixFields(0.9)
	fields.Price = 16.99 // within 10% of 15.49
	out, err := eng.Merge(context.Background(), "u1", fields, message("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	sub := store.subs[0]
	assert.Equal(t, 16.99, sub.Price)
	assert.Equal(t, 0.9, sub.Confidence)
	assert.Equal(t, "m2", sub.LastSeenMessageID)
	assert.Equal(t, []string{"m1", "m2"}, sub.SourceMessageIDs)

	updates := ledger.byType(domain.EventSubscriptionUpdated)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Payload, "price")
	assert.Contains(t, updates[0].Payload, "confidence")
}

func TestMergeConfidenceNeverDecreases(t *testing.T) {
	eng, store, _ := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)

	out, err := eng.Merge(context.Background(), "u1", netflixFields(0.6), message("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
	assert.Equal(t, 0.9, store.subs[0].Confidence)
}

func TestMergeConflictRecordedNotSilent(t *testing.T) {
	eng, store, ledger := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)

	fields := netflixFields(0.4)
	fields.BillingPeriod = domain.BillingYearly
	fields.Price = 99.99
	out, err := eng.Merge(context.Background(), "u1", fields, message("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	// Stored row untouched.
	assert.Equal(t, 15.49, store.subs[0].Price)
	assert.Equal(t, domain.BillingMonthly, store.subs[0].BillingPeriod)
	assert.Equal(t, []string{"m1"}, store.subs[0].SourceMessageIDs)

	conflicts := ledger.byType(domain.EventDuplicateConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.subs[0].ID, conflicts[0].SubjectID)
	assert.Equal(t, 99.99, conflicts[0].Payload["incoming_price"])
}

func TestMergeRemergeSameMessageIsNoOp(t *testing.T) {
	eng, store, ledger := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)
	createdAt := len(ledger.events)

	out, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, 0, store.updates)
	assert.Len(t, ledger.events, createdAt)
	assert.Equal(t, []string{"m1"}, store.subs[0].SourceMessageIDs)
}

func TestMergeCurrencySeparatesIdentity(t *testing.T) {
	eng, store, _ := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)

	fields := netflixFields(0.9)
	fields.Currency = "EUR"
	out, err := eng.Merge(context.Background(), "u1", fields, message("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
	assert.Len(t, store.subs, 2)
}

func TestMergeUsersAreIndependent(t *testing.T) {
	eng, store, _ := newTestEngine()

	_, err := eng.Merge(context.Background(), "u1", netflixFields(0.9), message("m1"))
	require.NoError(t, err)

	out, err := eng.Merge(context.Background(), "u2", netflixFields(0.9), message("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
	assert.Len(t, store.subs, 2)
}

func TestWithinTolerance(t *testing.T) {
	eng, _, _ := newTestEngine()

	assert.True(t, eng.withinTolerance(10.00, 10.99))
	assert.True(t, eng.withinTolerance(10.00, 9.01))
	assert.False(t, eng.withinTolerance(10.00, 11.50))
	assert.False(t, eng.withinTolerance(15.49, 99.99))
}
