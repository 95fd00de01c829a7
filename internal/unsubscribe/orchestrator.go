// Package unsubscribe drives the cancellation state machine. Cancellation is
// asynchronous and only externally verifiable: an action never marks a
// subscription cancelled because a link was visited, only because a
// confirmation message later arrived in the mailbox.
package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/subscout/subscout/internal/detect"
	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/gmail"
	"github.com/subscout/subscout/internal/pkg/logger"
)

var (
	// ErrNotFound means no such subscription or action.
	ErrNotFound = errors.New("unsubscribe: not found")

	// ErrAlreadyCancelled means the subscription is already cancelled.
	ErrAlreadyCancelled = errors.New("unsubscribe: subscription already cancelled")

	// ErrActionInFlight means a non-terminal action already exists for
	// the subscription.
	ErrActionInFlight = errors.New("unsubscribe: action already in flight")

	// ErrNoCancellationLink means the subscription carries no link to act on.
	ErrNoCancellationLink = errors.New("unsubscribe: subscription has no cancellation link")
)

// ActionStore persists unsubscribe actions.
type ActionStore interface {
	Create(ctx context.Context, a *domain.UnsubscribeAction) error
	Get(ctx context.Context, id string) (*domain.UnsubscribeAction, error)
	Update(ctx context.Context, a *domain.UnsubscribeAction) error
	HasOpen(ctx context.Context, subscriptionID string) (bool, error)
	ListMonitoring(ctx context.Context, userID string) ([]*domain.UnsubscribeAction, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*domain.UnsubscribeAction, error)
}

// SubscriptionStore is the subscription surface the orchestrator needs.
type SubscriptionStore interface {
	Get(ctx context.Context, userID, id string) (*domain.Subscription, error)
	UpdateStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error
}

// Ledger appends activity events.
type Ledger interface {
	Append(ctx context.Context, ev *domain.ActivityEvent) error
}

// Config carries cancellation policy.
type Config struct {
	Timeout            time.Duration
	ConfirmationWindow time.Duration
}

// Orchestrator owns the unsubscribe action lifecycle.
type Orchestrator struct {
	actions      ActionStore
	subs         SubscriptionStore
	ledger       Ledger
	httpClient   *http.Client
	instructions *instructionRenderer
	cfg          Config
	now          func() time.Time
}

func New(actions ActionStore, subs SubscriptionStore, ledger Ledger, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = 7 * 24 * time.Hour
	}
	return &Orchestrator{
		actions:      actions,
		subs:         subs,
		ledger:       ledger,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		instructions: newInstructionRenderer(),
		cfg:          cfg,
		now:          time.Now,
	}
}

// SetHTTPClient overrides the cancellation HTTP client, for tests.
func (o *Orchestrator) SetHTTPClient(c *http.Client) { o.httpClient = c }

// Request validates preconditions and records a requested action. The
// external dispatch happens later on a worker via Execute.
func (o *Orchestrator) Request(ctx context.Context, userID, subscriptionID string) (*domain.UnsubscribeAction, error) {
	sub, err := o.subs.Get(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionCancelled {
		return nil, ErrAlreadyCancelled
	}
	open, err := o.actions.HasOpen(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("check open actions: %w", err)
	}
	if open {
		return nil, ErrActionInFlight
	}
	if sub.CancellationLink == nil || *sub.CancellationLink == "" {
		return nil, ErrNoCancellationLink
	}

	a := &domain.UnsubscribeAction{
		ID:               uuid.NewString(),
		SubscriptionID:   subscriptionID,
		UserID:           userID,
		State:            domain.ActionRequested,
		CancellationLink: *sub.CancellationLink,
		InitiatedAt:      o.now().UTC(),
	}
	if err := o.actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}

	o.record(ctx, userID, "user", domain.EventCancellationRequested, a.ID, map[string]any{
		"subscription_id": subscriptionID,
		"service_name":    sub.ServiceName,
	})
	return a, nil
}

// GetStatus returns the action row.
func (o *Orchestrator) GetStatus(ctx context.Context, actionID string) (*domain.UnsubscribeAction, error) {
	return o.actions.Get(ctx, actionID)
}

// Execute dispatches one requested action. Direct token links get an HTTP
// visit; everything else falls back to rendered manual instructions. Either
// way the subscription moves to pending_cancellation and mailbox monitoring
// begins; only evidence closes the loop.
func (o *Orchestrator) Execute(ctx context.Context, a *domain.UnsubscribeAction) error {
	sub, err := o.subs.Get(ctx, a.UserID, a.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	switch analyzeLink(a.CancellationLink) {
	case linkDirect:
		return o.executeDirect(ctx, a, sub)
	case linkLoginRequired:
		return o.requireManual(ctx, a, sub, true)
	default:
		return o.requireManual(ctx, a, sub, false)
	}
}

func (o *Orchestrator) executeDirect(ctx context.Context, a *domain.UnsubscribeAction, sub *domain.Subscription) error {
	a.State = domain.ActionInProgress
	a.ActionType = domain.ActionAutomated
	if err := o.actions.Update(ctx, a); err != nil {
		return fmt.Errorf("mark in_progress: %w", err)
	}

	status, body, err := o.visit(ctx, a.CancellationLink)
	if err != nil {
		return o.failAction(ctx, a, fmt.Sprintf("error accessing cancellation link: %v", err))
	}
	a.HTTPStatus = &status
	if status >= 300 && !responseIndicatesSuccess(body) {
		return o.failAction(ctx, a, fmt.Sprintf("unexpected response from cancellation link (HTTP %d)", status))
	}

	now := o.now().UTC()
	until := now.Add(o.cfg.ConfirmationWindow)
	a.State = domain.ActionAwaitingConfirmation
	a.MonitorUntil = &until
	if err := o.actions.Update(ctx, a); err != nil {
		return fmt.Errorf("mark awaiting_confirmation: %w", err)
	}
	if err := o.subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionPendingCancellation); err != nil {
		return fmt.Errorf("mark pending_cancellation: %w", err)
	}

	o.record(ctx, a.UserID, "system", domain.EventCancellationDispatched, a.ID, map[string]any{
		"subscription_id": sub.ID,
		"http_status":     status,
		"monitor_until":   until.Format(time.RFC3339),
	})
	return nil
}

func (o *Orchestrator) requireManual(ctx context.Context, a *domain.UnsubscribeAction, sub *domain.Subscription, loginRequired bool) error {
	now := o.now().UTC()
	until := now.Add(o.cfg.ConfirmationWindow)
	a.State = domain.ActionManualRequired
	a.ActionType = domain.ActionManualLink
	a.Instructions = o.instructions.render(sub.ServiceName, a.CancellationLink, loginRequired)
	a.MonitorUntil = &until
	if err := o.actions.Update(ctx, a); err != nil {
		return fmt.Errorf("mark manual_required: %w", err)
	}
	if err := o.subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionPendingCancellation); err != nil {
		return fmt.Errorf("mark pending_cancellation: %w", err)
	}

	o.record(ctx, a.UserID, "system", domain.EventCancellationManual, a.ID, map[string]any{
		"subscription_id": sub.ID,
		"login_required":  loginRequired,
	})
	return nil
}

func (o *Orchestrator) failAction(ctx context.Context, a *domain.UnsubscribeAction, reason string) error {
	now := o.now().UTC()
	a.State = domain.ActionFailed
	a.FailureReason = reason
	a.CompletedAt = &now
	if err := o.actions.Update(ctx, a); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	o.record(ctx, a.UserID, "system", domain.EventCancellationFailed, a.ID, map[string]any{
		"subscription_id": a.SubscriptionID,
		"reason":          reason,
	})
	return nil
}

func (o *Orchestrator) visit(ctx context.Context, link string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// OfferMessage checks one freshly scanned message against the user's
// monitoring actions. Called opportunistically by ordinary scans so pending
// cancellations get re-evaluated without a dedicated poller.
func (o *Orchestrator) OfferMessage(ctx context.Context, userID string, msg *domain.EmailMessage) {
	monitoring, err := o.actions.ListMonitoring(ctx, userID)
	if err != nil {
		logger.Warn("list monitoring actions failed", "user_id", userID, "error", err.Error())
		return
	}
	for _, a := range monitoring {
		matched, err := o.MatchConfirmation(ctx, a, msg)
		if err != nil {
			logger.Warn("confirmation match failed", "action_id", a.ID, "error", err.Error())
			continue
		}
		if matched {
			return
		}
	}
}

// MatchConfirmation closes the loop on one monitoring action: the message
// must come from the subscription's service domain, carry cancellation
// confirmation language, and postdate the action. The message id becomes the
// evidence; without evidence there is no confirmed state.
func (o *Orchestrator) MatchConfirmation(ctx context.Context, a *domain.UnsubscribeAction, msg *domain.EmailMessage) (bool, error) {
	if !a.Monitoring() {
		return false, nil
	}
	if msg.ReceivedAt.Before(a.InitiatedAt) {
		return false, nil
	}
	if a.MonitorUntil != nil && msg.ReceivedAt.After(*a.MonitorUntil) {
		return false, nil
	}

	sub, err := o.subs.Get(ctx, a.UserID, a.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("load subscription: %w", err)
	}
	if !sameService(sub, a, msg.SenderDomain) {
		return false, nil
	}

	text := msg.Subject + " " + msg.Snippet + " " + head(msg.BodyText, 500)
	if !detect.MatchesCancellationConfirmation(text) {
		return false, nil
	}

	now := o.now().UTC()
	evidence := msg.ID
	a.State = domain.ActionConfirmed
	a.EvidenceMessageID = &evidence
	a.CompletedAt = &now
	if err := o.actions.Update(ctx, a); err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	if err := o.subs.UpdateStatus(ctx, sub.ID, domain.SubscriptionCancelled); err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}

	o.record(ctx, a.UserID, "scanner", domain.EventCancellationConfirmed, a.ID, map[string]any{
		"subscription_id":     sub.ID,
		"evidence_message_id": evidence,
	})
	return true, nil
}

// ExpireOverdue times out actions whose monitoring window has passed. The
// subscription stays pending_cancellation: inconclusive, not cancelled.
func (o *Orchestrator) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := o.actions.ListOverdue(ctx, o.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list overdue actions: %w", err)
	}

	expired := 0
	for _, a := range overdue {
		now := o.now().UTC()
		a.State = domain.ActionTimedOut
		a.CompletedAt = &now
		if err := o.actions.Update(ctx, a); err != nil {
			logger.Warn("expire action failed", "action_id", a.ID, "error", err.Error())
			continue
		}
		expired++
		o.record(ctx, a.UserID, "system", domain.EventCancellationTimedOut, a.ID, map[string]any{
			"subscription_id": a.SubscriptionID,
		})
	}
	return expired, nil
}

// sameService compares base domains so billing.netflix.com still matches a
// subscription whose domain was recorded as netflix.com.
func sameService(sub *domain.Subscription, a *domain.UnsubscribeAction, senderDomain string) bool {
	target := sub.ServiceDomain
	if target == "" {
		if u := linkHost(a.CancellationLink); u != "" {
			target = u
		}
	}
	if target == "" || senderDomain == "" {
		return false
	}
	return gmail.BaseDomain(senderDomain) == gmail.BaseDomain(target)
}

func linkHost(link string) string {
	if i := strings.Index(link, "://"); i >= 0 {
		rest := link[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (o *Orchestrator) record(ctx context.Context, userID, actor, eventType, subjectID string, payload map[string]any) {
	ev := &domain.ActivityEvent{
		UserID:    userID,
		Actor:     actor,
		EventType: eventType,
		SubjectID: subjectID,
		Payload:   payload,
	}
	if err := o.ledger.Append(ctx, ev); err != nil {
		logger.Warn("activity append failed", "event_type", eventType, "error", err.Error())
	}
}
