package domain

import "time"

// Activity event types emitted by the pipeline. The ledger is append-only;
// events are never mutated or deleted.
const (
	EventScanStarted           = "scan_started"
	EventScanCompleted         = "scan_completed"
	EventScanFailed            = "scan_failed"
	EventScanCancelled         = "scan_cancelled"
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventDuplicateConflict     = "duplicate_conflict"
	EventClassificationFailed  = "classification_failed"
	EventCancellationRequested = "cancellation_requested"
	EventCancellationDispatched = "cancellation_dispatched"
	EventCancellationManual    = "cancellation_manual_required"
	EventCancellationConfirmed = "cancellation_confirmed"
	EventCancellationFailed    = "cancellation_failed"
	EventCancellationTimedOut  = "cancellation_timed_out"
	EventRenewalReminder       = "renewal_reminder"
)

// ActivityEvent is one append-only ledger entry.
type ActivityEvent struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"user_id" db:"user_id"`
	Actor     string         `json:"actor" db:"actor"`
	EventType string         `json:"event_type" db:"event_type"`
	SubjectID string         `json:"subject_id" db:"subject_id"`
	Payload   map[string]any `json:"payload" db:"payload"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
