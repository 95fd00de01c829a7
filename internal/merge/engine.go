// Package merge resolves classified candidates against the user's existing
// subscriptions. It is the single writer of subscription rows: create,
// update, or ignore, with every material disagreement recorded in the
// activity ledger rather than silently dropped.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// Outcome is the merge decision for one candidate.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeIgnored Outcome = "ignored"
)

// SubscriptionStore is the persistence surface the engine needs.
type SubscriptionStore interface {
	ListNonCancelled(ctx context.Context, userID string) ([]*domain.Subscription, error)
	Create(ctx context.Context, sub *domain.Subscription) error
	Update(ctx context.Context, sub *domain.Subscription) error
}

// Ledger appends activity events.
type Ledger interface {
	Append(ctx context.Context, ev *domain.ActivityEvent) error
}

// Config carries the merge policy knobs. Both are configuration, not
// constants: real mailboxes need tuning.
type Config struct {
	// CreationThreshold is the minimum confidence to create a new
	// subscription when no existing row matches.
	CreationThreshold float64

	// PriceTolerancePct is the band, as a percentage of the stored
	// price, within which a differing price is treated as the same
	// subscription (promotional variance, tax changes).
	PriceTolerancePct float64
}

// Engine applies the merge policy.
type Engine struct {
	store  SubscriptionStore
	ledger Ledger
	cfg    Config
	now    func() time.Time
}

func New(store SubscriptionStore, ledger Ledger, cfg Config) *Engine {
	if cfg.CreationThreshold <= 0 {
		cfg.CreationThreshold = 0.5
	}
	if cfg.PriceTolerancePct <= 0 {
		cfg.PriceTolerancePct = 10
	}
	return &Engine{store: store, ledger: ledger, cfg: cfg, now: time.Now}
}

// Merge resolves one classified candidate for a user. Decision order:
// no match and confident enough creates; a match updates fields only when
// the incoming confidence is at least the stored confidence; a
// lower-confidence candidate that materially disagrees is ignored but the
// conflict is recorded; anything else is ignored. Re-merging the same
// message against unchanged state is a no-op.
func (e *Engine) Merge(ctx context.Context, userID string, fields *domain.ClassifiedFields, msg *domain.EmailMessage) (Outcome, error) {
	existing, err := e.store.ListNonCancelled(ctx, userID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("list subscriptions: %w", err)
	}

	match := e.findMatch(existing, fields)
	if match == nil {
		if fields.Confidence < e.cfg.CreationThreshold {
			return OutcomeIgnored, nil
		}
		return e.create(ctx, userID, fields, msg)
	}

	if fields.Confidence < match.Confidence && e.materialDisagreement(match, fields) {
		e.record(ctx, userID, domain.EventDuplicateConflict, match.ID, map[string]any{
			"service_name":    match.ServiceName,
			"message_id":      msg.ID,
			"stored_price":    match.Price,
			"incoming_price":  fields.Price,
			"stored_period":   string(match.BillingPeriod),
			"incoming_period": string(fields.BillingPeriod),
			"confidence":      fields.Confidence,
		})
		return OutcomeIgnored, nil
	}

	return e.update(ctx, userID, match, fields, msg)
}

func (e *Engine) findMatch(existing []*domain.Subscription, fields *domain.ClassifiedFields) *domain.Subscription {
	key := identityKey(fields.ServiceName)
	for _, sub := range existing {
		if identityKey(sub.ServiceName) != key {
			continue
		}
		if !strings.EqualFold(sub.Currency, fields.Currency) {
			continue
		}
		return sub
	}
	return nil
}

// materialDisagreement reports whether the candidate conflicts with the
// stored row in a way worth auditing: a price outside the tolerance band
// or a different known billing period.
func (e *Engine) materialDisagreement(sub *domain.Subscription, fields *domain.ClassifiedFields) bool {
	if sub.Price > 0 && fields.Price > 0 && !e.withinTolerance(sub.Price, fields.Price) {
		return true
	}
	if sub.BillingPeriod != domain.BillingUnknown && fields.BillingPeriod != domain.BillingUnknown &&
		sub.BillingPeriod != fields.BillingPeriod {
		return true
	}
	return false
}

func (e *Engine) withinTolerance(stored, incoming float64) bool {
	band := stored * e.cfg.PriceTolerancePct / 100
	diff := incoming - stored
	if diff < 0 {
		diff = -diff
	}
	return diff <= band
}

func (e *Engine) create(ctx context.Context, userID string, fields *domain.ClassifiedFields, msg *domain.EmailMessage) (Outcome, error) {
	now := e.now().UTC()
	sub := &domain.Subscription{
		ID:              uuid.NewString(),
		UserID:          userID,
		ServiceName:     fields.ServiceName,
		ServiceDomain:   fields.ServiceDomain,
		Price:           fields.Price,
		Currency:        strings.ToUpper(fields.Currency),
		BillingPeriod:   fields.BillingPeriod,
		NextRenewalDate: fields.NextRenewalDate,
		Status:          domain.SubscriptionActive,
		PaymentLast4:    fields.PaymentLast4,

		FirstSeenMessageID: msg.ID,
		LastSeenMessageID:  msg.ID,
		SourceMessageIDs:   []string{msg.ID},

		Confidence: fields.Confidence,
		DetectedBy: fields.DetectedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if fields.CancellationLink != "" {
		link := fields.CancellationLink
		sub.CancellationLink = &link
	}
	if err := e.store.Create(ctx, sub); err != nil {
		return OutcomeIgnored, fmt.Errorf("create subscription: %w", err)
	}

	e.record(ctx, userID, domain.EventSubscriptionCreated, sub.ID, map[string]any{
		"service_name": sub.ServiceName,
		"price":        sub.Price,
		"currency":     sub.Currency,
		"period":       string(sub.BillingPeriod),
		"confidence":   sub.Confidence,
		"detected_by":  string(sub.DetectedBy),
		"message_id":   msg.ID,
	})
	return OutcomeCreated, nil
}

func (e *Engine) update(ctx context.Context, userID string, sub *domain.Subscription, fields *domain.ClassifiedFields, msg *domain.EmailMessage) (Outcome, error) {
	changes := map[string]any{}

	if fields.Confidence >= sub.Confidence {
		if fields.Price > 0 && fields.Price != sub.Price {
			changes["price"] = map[string]any{"from": sub.Price, "to": fields.Price}
			sub.Price = fields.Price
		}
		if fields.BillingPeriod != domain.BillingUnknown && fields.BillingPeriod != sub.BillingPeriod {
			changes["billing_period"] = map[string]any{"from": string(sub.BillingPeriod), "to": string(fields.BillingPeriod)}
			sub.BillingPeriod = fields.BillingPeriod
		}
		if fields.NextRenewalDate != nil && !sameDate(sub.NextRenewalDate, fields.NextRenewalDate) {
			changes["next_renewal_date"] = map[string]any{"from": formatDate(sub.NextRenewalDate), "to": formatDate(fields.NextRenewalDate)}
			sub.NextRenewalDate = fields.NextRenewalDate
		}
		if fields.CancellationLink != "" && (sub.CancellationLink == nil || *sub.CancellationLink != fields.CancellationLink) {
			link := fields.CancellationLink
			sub.CancellationLink = &link
			changes["cancellation_link"] = link
		}
		if fields.PaymentLast4 != "" && fields.PaymentLast4 != sub.PaymentLast4 {
			sub.PaymentLast4 = fields.PaymentLast4
			changes["payment_last4"] = fields.PaymentLast4
		}
		if fields.DetectedBy != "" {
			sub.DetectedBy = fields.DetectedBy
		}
	}

	// Rolling maximum: confidence never decreases across merges.
	if fields.Confidence > sub.Confidence {
		changes["confidence"] = map[string]any{"from": sub.Confidence, "to": fields.Confidence}
		sub.Confidence = fields.Confidence
	}

	newSource := !containsString(sub.SourceMessageIDs, msg.ID)
	if !newSource && len(changes) == 0 {
		// Same message, same state. Re-scans are no-ops past the
		// first pass.
		return OutcomeIgnored, nil
	}
	if newSource {
		sub.SourceMessageIDs = append(sub.SourceMessageIDs, msg.ID)
		sub.LastSeenMessageID = msg.ID
	}
	sub.UpdatedAt = e.now().UTC()

	if err := e.store.Update(ctx, sub); err != nil {
		return OutcomeIgnored, fmt.Errorf("update subscription: %w", err)
	}

	if len(changes) > 0 {
		changes["service_name"] = sub.ServiceName
		changes["message_id"] = msg.ID
		e.record(ctx, userID, domain.EventSubscriptionUpdated, sub.ID, changes)
	}
	return OutcomeUpdated, nil
}

func (e *Engine) record(ctx context.Context, userID, eventType, subjectID string, payload map[string]any) {
	ev := &domain.ActivityEvent{
		UserID:    userID,
		Actor:     "scanner",
		EventType: eventType,
		SubjectID: subjectID,
		Payload:   payload,
	}
	if err := e.ledger.Append(ctx, ev); err != nil {
		// The merge decision stands even if the audit write fails.
		logger.Warn("activity append failed", "event_type", eventType, "error", err.Error())
	}
}

// identityKey lowercases and strips punctuation so "Spotify, Inc." and
// "spotify inc" resolve to the same subscription.
func identityKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
