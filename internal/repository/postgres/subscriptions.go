package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/unsubscribe"
)

// SubscriptionRepo implements the subscription stores of the merge engine,
// the unsubscribe orchestrator, and the reminder worker against PostgreSQL.
type SubscriptionRepo struct{ db *sql.DB }

// NewSubscriptionRepo creates a Postgres-backed subscription repository.
func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

const subscriptionColumns = `id, user_id, service_name, COALESCE(service_domain,''),
	       COALESCE(service_category,''), price, currency, billing_period,
	       next_renewal_date, status, cancellation_link, COALESCE(payment_last4,''),
	       first_seen_message_id, last_seen_message_id, source_message_ids,
	       confidence, detected_by, created_at, updated_at, cancelled_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*domain.Subscription, error) {
	s := &domain.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.ServiceName, &s.ServiceDomain,
		&s.ServiceCategory, &s.Price, &s.Currency, &s.BillingPeriod,
		&s.NextRenewalDate, &s.Status, &s.CancellationLink, &s.PaymentLast4,
		&s.FirstSeenMessageID, &s.LastSeenMessageID, pq.Array(&s.SourceMessageIDs),
		&s.Confidence, &s.DetectedBy, &s.CreatedAt, &s.UpdatedAt, &s.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SubscriptionRepo) Get(ctx context.Context, userID, id string) (*domain.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	s, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, unsubscribe.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *SubscriptionRepo) ListNonCancelled(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status != 'cancelled'
		ORDER BY created_at
	`, userID)
}

// List returns every subscription for a user, optionally filtered by status.
func (r *SubscriptionRepo) List(ctx context.Context, userID string, status domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	if status != "" {
		return r.list(ctx, `
			SELECT `+subscriptionColumns+`
			FROM subscriptions
			WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC
		`, userID, status)
	}
	return r.list(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

func (r *SubscriptionRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, user_id, service_name, service_domain, service_category,
			 price, currency, billing_period, next_renewal_date, status,
			 cancellation_link, payment_last4,
			 first_seen_message_id, last_seen_message_id, source_message_ids,
			 confidence, detected_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
	`, s.ID, s.UserID, s.ServiceName, s.ServiceDomain, s.ServiceCategory,
		s.Price, s.Currency, s.BillingPeriod, s.NextRenewalDate, s.Status,
		s.CancellationLink, s.PaymentLast4,
		s.FirstSeenMessageID, s.LastSeenMessageID, pq.Array(s.SourceMessageIDs),
		s.Confidence, s.DetectedBy)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) Update(ctx context.Context, s *domain.Subscription) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			service_domain = $1, service_category = $2, price = $3,
			billing_period = $4, next_renewal_date = $5,
			cancellation_link = $6, payment_last4 = $7,
			last_seen_message_id = $8, source_message_ids = $9,
			confidence = $10, detected_by = $11, updated_at = NOW()
		WHERE id = $12
	`, s.ServiceDomain, s.ServiceCategory, s.Price,
		s.BillingPeriod, s.NextRenewalDate,
		s.CancellationLink, s.PaymentLast4,
		s.LastSeenMessageID, pq.Array(s.SourceMessageIDs),
		s.Confidence, s.DetectedBy, s.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return unsubscribe.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	var res sql.Result
	var err error
	if status == domain.SubscriptionCancelled {
		res, err = r.db.ExecContext(ctx, `
			UPDATE subscriptions SET status = $1, cancelled_at = NOW(), updated_at = NOW()
			WHERE id = $2
		`, status, id)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE subscriptions SET status = $1, updated_at = NOW()
			WHERE id = $2
		`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return unsubscribe.ErrNotFound
	}
	return nil
}

// ListRenewalsDue returns active subscriptions whose next renewal falls
// within the lead window.
func (r *SubscriptionRepo) ListRenewalsDue(ctx context.Context, now time.Time, lead time.Duration) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active'
		  AND next_renewal_date IS NOT NULL
		  AND next_renewal_date BETWEEN $1 AND $2
		ORDER BY next_renewal_date
	`, now, now.Add(lead))
}

// MarkReminderSent records that a reminder went out for one renewal date.
// Returns false when a reminder was already recorded, which keeps the
// reminder worker at one email per subscription per renewal date.
func (r *SubscriptionRepo) MarkReminderSent(ctx context.Context, subscriptionID string, renewalDate time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO renewal_reminders (subscription_id, renewal_date, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscription_id, renewal_date) DO NOTHING
	`, subscriptionID, renewalDate)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
