package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/ledger"
	"github.com/subscout/subscout/internal/scan"
	"github.com/subscout/subscout/internal/unsubscribe"
	"github.com/subscout/subscout/internal/vault"
)

func sessionRows(s *domain.ScanSession) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "window_start", "window_end", "force_rescan", "cursor",
		"status", "failure_reason", "cancel_requested",
		"messages_seen", "candidates_found", "subscriptions_created", "subscriptions_updated",
		"started_at", "completed_at", "created_at",
	}).AddRow(
		s.ID, s.UserID, s.WindowStart, s.WindowEnd, s.ForceRescan, s.Cursor,
		s.Status, s.FailureReason, s.CancelRequested,
		s.MessagesSeen, s.CandidatesFound, s.SubscriptionsCreated, s.SubscriptionsUpdated,
		s.StartedAt, s.CompletedAt, s.CreatedAt,
	)
}

func TestScanSessionRepoCreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scan_sessions").
		WillReturnError(&pq.Error{Code: "23505"})

	repo := NewScanSessionRepo(db)
	err = repo.Create(context.Background(), &domain.ScanSession{
		ID: "s1", UserID: "u1", Status: domain.ScanPending,
		WindowStart: time.Now(),
	})
	assert.ErrorIs(t, err, scan.ErrScanConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanSessionRepoGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cursor := "page-3"
	want := &domain.ScanSession{
		ID: "s1", UserID: "u1",
		WindowStart:  time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Cursor:       &cursor,
		Status:       domain.ScanRunning,
		MessagesSeen: 40,
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectQuery("SELECT (.+) FROM scan_sessions").
		WithArgs("s1").
		WillReturnRows(sessionRows(want))

	repo := NewScanSessionRepo(db)
	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "page-3", *got.Cursor)
	assert.Equal(t, 40, got.MessagesSeen)
}

func TestScanSessionRepoGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM scan_sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanSessionRepo(db)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestScanSessionRepoLastFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cursor := "page-7"
	want := &domain.ScanSession{
		ID: "s1", UserID: "u1",
		WindowStart:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Cursor:        &cursor,
		Status:        domain.ScanFailed,
		FailureReason: "fetch_error",
		CreatedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectQuery("SELECT (.+) FROM scan_sessions WHERE user_id = (.+) AND status = 'failed'").
		WithArgs("u1").
		WillReturnRows(sessionRows(want))

	repo := NewScanSessionRepo(db)
	got, err := repo.LastFailed(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "page-7", *got.Cursor)
}

func TestScanSessionRepoLastFailedNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM scan_sessions WHERE user_id = (.+) AND status = 'failed'").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanSessionRepo(db)
	got, err := repo.LastFailed(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScanSessionRepoRequeueStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2026, 2, 1, 11, 45, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE scan_sessions SET status = 'pending', started_at = NULL").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewScanSessionRepo(db)
	n, err := repo.RequeueStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanSessionRepoClaimPendingEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE scan_sessions SET status = 'running'").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewScanSessionRepo(db)
	s, err := repo.ClaimPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSubscriptionRepoListNonCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "service_name", "service_domain",
		"service_category", "price", "currency", "billing_period",
		"next_renewal_date", "status", "cancellation_link", "payment_last4",
		"first_seen_message_id", "last_seen_message_id", "source_message_ids",
		"confidence", "detected_by", "created_at", "updated_at", "cancelled_at",
	}).AddRow(
		"sub1", "u1", "Netflix", "netflix.com",
		"Streaming", 15.49, "USD", "monthly",
		nil, "active", nil, "",
		"m1", "m2", "{m1,m2}",
		0.9, "model", now, now, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("u1").
		WillReturnRows(rows)

	repo := NewSubscriptionRepo(db)
	subs, err := repo.ListNonCancelled(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Netflix", subs[0].ServiceName)
	assert.Equal(t, []string{"m1", "m2"}, subs[0].SourceMessageIDs)
	assert.Equal(t, domain.BillingMonthly, subs[0].BillingPeriod)
}

func TestSubscriptionRepoUpdateStatusCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE subscriptions SET status = (.+) cancelled_at = NOW()").
		WithArgs(string(domain.SubscriptionCancelled), "sub1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewSubscriptionRepo(db)
	err = repo.UpdateStatus(context.Background(), "sub1", domain.SubscriptionCancelled)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepoUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE subscriptions SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSubscriptionRepo(db)
	err = repo.UpdateStatus(context.Background(), "missing", domain.SubscriptionActive)
	assert.ErrorIs(t, err, unsubscribe.ErrNotFound)
}

func TestMessageRefRepoInsertIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Second insert of the same pair affects zero rows; still no error.
	mock.ExpectExec("INSERT INTO email_message_refs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewMessageRefRepo(db)
	err = repo.Insert(context.Background(), &domain.EmailMessageRef{
		UserID: "u1", MessageID: "m1", Decision: domain.RefRejected,
		ReceivedAt: time.Now(),
	})
	assert.NoError(t, err)
}

func TestActionRepoClaimRequestedEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE unsubscribe_actions SET state = 'in_progress'").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewActionRepo(db)
	a, err := repo.ClaimRequested(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestActionRepoRequeueStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2026, 2, 1, 11, 45, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE unsubscribe_actions SET state = 'requested'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewActionRepo(db)
	n, err := repo.RequeueStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActionRepoGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM unsubscribe_actions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewActionRepo(db)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, unsubscribe.ErrNotFound)
}

func TestActivityRepoList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "actor", "event_type", "subject_id", "payload", "created_at"}).
		AddRow("e1", "u1", "scanner", domain.EventSubscriptionCreated, "sub1", []byte(`{"price":15.49}`), now)

	mock.ExpectQuery("SELECT (.+) FROM activity_events").
		WithArgs("u1", domain.EventSubscriptionCreated, 50).
		WillReturnRows(rows)

	repo := NewActivityRepo(db)
	events, err := repo.List(context.Background(), "u1", ledger.Filter{
		EventType: domain.EventSubscriptionCreated,
		Limit:     50,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 15.49, events[0].Payload["price"])
}

func TestCredentialRepoNoCredential(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT refresh_token_ciphertext FROM user_credentials").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"refresh_token_ciphertext"}))

	repo := NewCredentialRepo(db)
	_, err = repo.RefreshToken(context.Background(), "u1")
	assert.ErrorIs(t, err, vault.ErrNoCredential)
}

func TestSubscriptionRepoMarkReminderSent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO renewal_reminders").
		WithArgs("sub1", date).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO renewal_reminders").
		WithArgs("sub1", date).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSubscriptionRepo(db)
	sent, err := repo.MarkReminderSent(context.Background(), "sub1", date)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = repo.MarkReminderSent(context.Background(), "sub1", date)
	require.NoError(t, err)
	assert.False(t, sent)
}
