package domain

import "time"

// EmailMessage is a parsed raw message from the mail source adapter.
type EmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	From         string    `json:"from"`
	SenderDomain string    `json:"sender_domain"`
	ReceivedAt   time.Time `json:"received_at"`
	Snippet      string    `json:"snippet"`
	BodyText     string    `json:"body_text"`
	BodyHTML     string    `json:"body_html"`
}

// SubscriptionCandidate is an ephemeral, scan-scoped guess that a message
// describes a recurring subscription. It is consumed into a Subscription
// by the merge engine or discarded; never persisted standalone.
type SubscriptionCandidate struct {
	MessageID    string
	SenderDomain string

	// Raw, unnormalized fields pulled by pattern matching. Zero values
	// mean "not found"; the classifier fills the gaps.
	RawServiceName string
	RawPrice       float64
	RawCurrency    string
	RawPeriod      BillingPeriod
	RawRenewalDate string
	RawCancelLink  string
	RawLast4       string

	// PatternScore is the fraction of layered signals that matched.
	// Low scores defer the decision to the classifier rather than
	// rejecting the message.
	PatternScore float64

	// RuleConfidence is the rule-based extraction completeness. At or
	// above the configured threshold the model call is skipped entirely.
	RuleConfidence float64
}

// ClassifiedFields is the validated, normalized output of one
// classification, whether rule-based or model-based. Advisory only: the
// merge engine remains the single writer of persistent state.
type ClassifiedFields struct {
	ServiceName      string          `json:"service_name"`
	ServiceDomain    string          `json:"service_domain"`
	Price            float64         `json:"price"`
	Currency         string          `json:"currency"`
	BillingPeriod    BillingPeriod   `json:"billing_period"`
	NextRenewalDate  *time.Time      `json:"next_renewal_date"`
	CancellationLink string          `json:"cancellation_link"`
	PaymentLast4     string          `json:"payment_last4"`
	Confidence       float64         `json:"confidence"`
	DetectedBy       DetectionMethod `json:"detected_by"`
}
