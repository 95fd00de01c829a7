package domain

import "time"

// SubscriptionStatus enumerates the lifecycle states of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive              SubscriptionStatus = "active"
	SubscriptionPendingCancellation SubscriptionStatus = "pending_cancellation"
	SubscriptionCancelled           SubscriptionStatus = "cancelled"
	SubscriptionUnknown             SubscriptionStatus = "unknown"
)

// BillingPeriod enumerates recognized billing cadences.
type BillingPeriod string

const (
	BillingMonthly   BillingPeriod = "monthly"
	BillingYearly    BillingPeriod = "yearly"
	BillingWeekly    BillingPeriod = "weekly"
	BillingQuarterly BillingPeriod = "quarterly"
	BillingUnknown   BillingPeriod = "unknown"
)

// ValidBillingPeriod reports whether p is a recognized cadence.
func ValidBillingPeriod(p BillingPeriod) bool {
	switch p {
	case BillingMonthly, BillingYearly, BillingWeekly, BillingQuarterly, BillingUnknown:
		return true
	}
	return false
}

// DetectionMethod records which stage produced the accepted field set.
type DetectionMethod string

const (
	DetectedByRules DetectionMethod = "rules"
	DetectedByModel DetectionMethod = "model"
)

// Subscription is the durable entity all scan sessions converge on.
// Created only by the merge engine; status transitions to cancelled only
// through a confirmed unsubscribe action.
type Subscription struct {
	ID              string             `json:"id" db:"id"`
	UserID          string             `json:"user_id" db:"user_id"`
	ServiceName     string             `json:"service_name" db:"service_name"`
	ServiceDomain   string             `json:"service_domain" db:"service_domain"`
	ServiceCategory string             `json:"service_category" db:"service_category"`
	Price           float64            `json:"price" db:"price"`
	Currency        string             `json:"currency" db:"currency"`
	BillingPeriod   BillingPeriod      `json:"billing_period" db:"billing_period"`
	NextRenewalDate *time.Time         `json:"next_renewal_date" db:"next_renewal_date"`
	Status          SubscriptionStatus `json:"status" db:"status"`
	CancellationLink *string           `json:"cancellation_link" db:"cancellation_link"`
	PaymentLast4    string             `json:"payment_last4,omitempty" db:"payment_last4"`

	FirstSeenMessageID string   `json:"first_seen_message_id" db:"first_seen_message_id"`
	LastSeenMessageID  string   `json:"last_seen_message_id" db:"last_seen_message_id"`
	SourceMessageIDs   []string `json:"source_message_ids" db:"source_message_ids"`

	// Confidence is a rolling maximum across scans; it never decreases.
	Confidence float64         `json:"confidence" db:"confidence"`
	DetectedBy DetectionMethod `json:"detected_by" db:"detected_by"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CancelledAt *time.Time `json:"cancelled_at" db:"cancelled_at"`
}
