package domain

import "time"

// ScanStatus enumerates the lifecycle states of a scan session.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// ScanWindow bounds one ingestion run. End may be zero for "up to now".
type ScanWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ScanSession represents one bounded mailbox ingestion run for one user.
// At most one pending or running session may exist per user at any time.
type ScanSession struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	WindowEnd   *time.Time `json:"window_end" db:"window_end"`
	ForceRescan bool       `json:"force_rescan" db:"force_rescan"`

	// Cursor is the opaque mail-source page token of the last committed
	// page. Persisted before every retry so a crash resumes instead of
	// reprocessing.
	Cursor *string `json:"cursor" db:"cursor"`

	Status        ScanStatus `json:"status" db:"status"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`

	// CancelRequested is a cooperative flag, observed at message
	// boundaries by the running session.
	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`

	MessagesSeen         int `json:"messages_seen" db:"messages_seen"`
	CandidatesFound      int `json:"candidates_found" db:"candidates_found"`
	SubscriptionsCreated int `json:"subscriptions_created" db:"subscriptions_created"`
	SubscriptionsUpdated int `json:"subscriptions_updated" db:"subscriptions_updated"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// IsTerminal returns true if the session is in a final state.
func (s *ScanSession) IsTerminal() bool {
	return s.Status == ScanCompleted || s.Status == ScanFailed || s.Status == ScanCancelled
}

// RefDecision records how a processed message was resolved.
type RefDecision string

const (
	RefMatched  RefDecision = "matched"
	RefRejected RefDecision = "rejected"
)

// EmailMessageRef marks a message as processed for a user so that later
// scans skip it. Unique on (user_id, message_id).
type EmailMessageRef struct {
	UserID       string      `json:"user_id" db:"user_id"`
	MessageID    string      `json:"message_id" db:"message_id"`
	SenderDomain string      `json:"sender_domain" db:"sender_domain"`
	ReceivedAt   time.Time   `json:"received_at" db:"received_at"`
	Decision     RefDecision `json:"decision" db:"decision"`
	SessionID    string      `json:"scan_session_id" db:"scan_session_id"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}
