package worker

import (
	"context"
	"time"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/pkg/distlock"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// RenewalStore lists subscriptions whose renewal falls inside the lead
// window and records which (subscription, renewal date) pairs have
// already been reminded.
type RenewalStore interface {
	ListRenewalsDue(ctx context.Context, now time.Time, lead time.Duration) ([]*domain.Subscription, error)
	MarkReminderSent(ctx context.Context, subscriptionID string, renewalDate time.Time) (bool, error)
}

// EmailDirectory resolves a user's notification address.
type EmailDirectory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// ReminderMailer sends the reminder email.
type ReminderMailer interface {
	SendRenewalReminder(ctx context.Context, to string, sub *domain.Subscription) error
}

// ReminderLedger records reminder events.
type ReminderLedger interface {
	Append(ctx context.Context, ev *domain.ActivityEvent) error
}

// ReminderWorker sweeps for upcoming renewals and emits one reminder
// per (subscription, renewal date). The ledger event is always
// written; the email is only sent when a mailer is configured.
type ReminderWorker struct {
	store    RenewalStore
	emails   EmailDirectory
	mailer   ReminderMailer
	ledger   ReminderLedger
	lock     distlock.Lock
	lead     time.Duration
	interval time.Duration

	now func() time.Time
}

// NewReminderWorker builds a reminder worker. mailer may be nil when
// email delivery is disabled.
func NewReminderWorker(store RenewalStore, emails EmailDirectory, mailer ReminderMailer, ledger ReminderLedger, lock distlock.Lock, leadDays int, interval time.Duration) *ReminderWorker {
	if leadDays <= 0 {
		leadDays = 3
	}
	return &ReminderWorker{
		store:    store,
		emails:   emails,
		mailer:   mailer,
		ledger:   ledger,
		lock:     lock,
		lead:     time.Duration(leadDays) * 24 * time.Hour,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the sweep on a ticker until ctx is cancelled. It blocks.
func (w *ReminderWorker) Start(ctx context.Context) {
	logger.Info("renewal reminder worker starting", "lead", w.lead.String())
	t := time.NewTicker(w.interval)
	defer t.Stop()
	w.runLocked(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("renewal reminder worker stopped")
			return
		case <-t.C:
			w.runLocked(ctx)
		}
	}
}

func (w *ReminderWorker) runLocked(ctx context.Context) {
	ok, err := w.lock.Acquire(ctx)
	if err != nil {
		logger.Error("reminder lock acquire failed", "error", err.Error())
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := w.lock.Release(ctx); err != nil {
			logger.Warn("reminder lock release failed", "error", err.Error())
		}
	}()

	if _, err := w.RunOnce(ctx); err != nil {
		logger.Error("reminder sweep failed", "error", err.Error())
	}
}

// RunOnce performs a single sweep and returns how many reminders were
// issued.
func (w *ReminderWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.ListRenewalsDue(ctx, w.now(), w.lead)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range due {
		if sub.NextRenewalDate == nil {
			continue
		}
		first, err := w.store.MarkReminderSent(ctx, sub.ID, *sub.NextRenewalDate)
		if err != nil {
			logger.Error("reminder dedup check failed", "subscription_id", sub.ID, "error", err.Error())
			continue
		}
		if !first {
			continue
		}
		w.record(ctx, sub)
		w.deliver(ctx, sub)
		sent++
	}
	return sent, nil
}

func (w *ReminderWorker) record(ctx context.Context, sub *domain.Subscription) {
	ev := &domain.ActivityEvent{
		UserID:    sub.UserID,
		Actor:     "system",
		EventType: domain.EventRenewalReminder,
		SubjectID: sub.ID,
		Payload: map[string]any{
			"service_name": sub.ServiceName,
			"renewal_date": sub.NextRenewalDate.Format("2006-01-02"),
			"price":        sub.Price,
			"currency":     sub.Currency,
		},
	}
	if err := w.ledger.Append(ctx, ev); err != nil {
		logger.Warn("activity append failed", "event_type", ev.EventType, "error", err.Error())
	}
}

func (w *ReminderWorker) deliver(ctx context.Context, sub *domain.Subscription) {
	if w.mailer == nil {
		return
	}
	to, err := w.emails.Email(ctx, sub.UserID)
	if err != nil {
		logger.Warn("reminder address lookup failed", "user_id", sub.UserID, "error", err.Error())
		return
	}
	if to == "" {
		return
	}
	if err := w.mailer.SendRenewalReminder(ctx, to, sub); err != nil {
		logger.Warn("reminder send failed", "subscription_id", sub.ID, "error", err.Error())
	}
}
