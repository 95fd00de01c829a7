package domain

import "time"

// ActionState enumerates the unsubscribe action state machine.
//
//	requested → in_progress → awaiting_confirmation → confirmed | timed_out
//	            in_progress → manual_required → confirmed | timed_out
//	            in_progress → failed
//
// confirmed requires an evidence message id; a subscription only becomes
// cancelled through a confirmed action.
type ActionState string

const (
	ActionRequested            ActionState = "requested"
	ActionInProgress           ActionState = "in_progress"
	ActionAwaitingConfirmation ActionState = "awaiting_confirmation"
	ActionManualRequired       ActionState = "manual_required"
	ActionConfirmed            ActionState = "confirmed"
	ActionFailed               ActionState = "failed"
	ActionTimedOut             ActionState = "timed_out"
)

// ActionType records how the cancellation was dispatched.
type ActionType string

const (
	ActionAutomated  ActionType = "automated"
	ActionManualLink ActionType = "manual_link"
)

// UnsubscribeAction tracks one cancellation attempt for a subscription.
// Immutable once terminal except for the addition of evidence.
type UnsubscribeAction struct {
	ID             string      `json:"id" db:"id"`
	SubscriptionID string      `json:"subscription_id" db:"subscription_id"`
	UserID         string      `json:"user_id" db:"user_id"`
	State          ActionState `json:"state" db:"state"`
	ActionType     ActionType  `json:"action_type" db:"action_type"`

	CancellationLink string  `json:"cancellation_link" db:"cancellation_link"`
	HTTPStatus       *int    `json:"http_status" db:"http_status"`
	Instructions     string  `json:"instructions,omitempty" db:"instructions"`
	FailureReason    string  `json:"failure_reason,omitempty" db:"failure_reason"`
	EvidenceMessageID *string `json:"evidence_message_id" db:"evidence_message_id"`

	InitiatedAt  time.Time  `json:"initiated_at" db:"initiated_at"`
	CompletedAt  *time.Time `json:"completed_at" db:"completed_at"`
	MonitorUntil *time.Time `json:"monitor_until" db:"monitor_until"`
}

// IsTerminal returns true if the action is in a final state.
func (a *UnsubscribeAction) IsTerminal() bool {
	return a.State == ActionConfirmed || a.State == ActionFailed || a.State == ActionTimedOut
}

// Monitoring reports whether the action is still waiting on mailbox evidence.
func (a *UnsubscribeAction) Monitoring() bool {
	return a.State == ActionAwaitingConfirmation || a.State == ActionManualRequired
}
