// Package scan owns the lifecycle of one mailbox scan session end to end:
// paginated fetch, extraction, classification, merge, progress tracking, and
// cancellation. It is the unit of concurrency control; per user at most one
// session is pending or running at any time.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subscout/subscout/internal/classify"
	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/gmail"
	"github.com/subscout/subscout/internal/merge"
	"github.com/subscout/subscout/internal/pkg/logger"
)

var (
	// ErrScanConflict means a pending or running session already exists
	// for the user.
	ErrScanConflict = errors.New("scan: session already in progress for user")

	// ErrNotFound means no session with the given id exists.
	ErrNotFound = errors.New("scan: session not found")

	// errStorage marks failures of our own persistence layer, as opposed
	// to the mail provider. They surface as a distinct failure reason.
	errStorage = errors.New("storage error")
)

// SessionStore persists scan sessions.
type SessionStore interface {
	Create(ctx context.Context, s *domain.ScanSession) error
	Get(ctx context.Context, id string) (*domain.ScanSession, error)
	HasActive(ctx context.Context, userID string) (bool, error)
	LastFailed(ctx context.Context, userID string) (*domain.ScanSession, error)
	Update(ctx context.Context, s *domain.ScanSession) error
	MarkCancelRequested(ctx context.Context, id string) error
}

// RefStore persists processed-message markers.
type RefStore interface {
	Exists(ctx context.Context, userID, messageID string) (bool, error)
	Insert(ctx context.Context, ref *domain.EmailMessageRef) error
}

// MailSource is the mail adapter surface the orchestrator drives.
type MailSource interface {
	List(ctx context.Context, cred, query, pageToken string) (*gmail.MessagePage, error)
	Get(ctx context.Context, cred, id string) (*domain.EmailMessage, error)
}

// Credentials resolves a live access token for a user.
type Credentials interface {
	Credential(ctx context.Context, userID string) (string, error)
}

// Extractor is the pattern-matching stage.
type Extractor interface {
	Extract(msg *domain.EmailMessage) *domain.SubscriptionCandidate
	Fields(cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) *domain.ClassifiedFields
}

// Classifier is the model-backed stage.
type Classifier interface {
	Classify(ctx context.Context, cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) (*domain.ClassifiedFields, error)
}

// Merger resolves classified fields into subscription rows.
type Merger interface {
	Merge(ctx context.Context, userID string, fields *domain.ClassifiedFields, msg *domain.EmailMessage) (merge.Outcome, error)
}

// ConfirmationMatcher is offered every fetched message so pending
// cancellations get re-evaluated by ordinary scans.
type ConfirmationMatcher interface {
	OfferMessage(ctx context.Context, userID string, msg *domain.EmailMessage)
}

// Ledger appends activity events.
type Ledger interface {
	Append(ctx context.Context, ev *domain.ActivityEvent) error
}

// Config carries orchestrator policy.
type Config struct {
	SearchQuery             string
	RuleConfidenceThreshold float64
	MaxFetchRetries         int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	DefaultWindowYears      int
}

// Orchestrator drives scan sessions.
type Orchestrator struct {
	sessions   SessionStore
	refs       RefStore
	source     MailSource
	creds      Credentials
	extractor  Extractor
	classifier Classifier
	merger     Merger
	matcher    ConfirmationMatcher
	ledger     Ledger
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(sessions SessionStore, refs RefStore, source MailSource, creds Credentials,
	extractor Extractor, classifier Classifier, merger Merger, ledger Ledger, cfg Config) *Orchestrator {
	if cfg.MaxFetchRetries <= 0 {
		cfg.MaxFetchRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.DefaultWindowYears <= 0 {
		cfg.DefaultWindowYears = 1
	}
	if cfg.RuleConfidenceThreshold <= 0 {
		cfg.RuleConfidenceThreshold = 0.7
	}
	return &Orchestrator{
		sessions:   sessions,
		refs:       refs,
		source:     source,
		creds:      creds,
		extractor:  extractor,
		classifier: classifier,
		merger:     merger,
		ledger:     ledger,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// SetConfirmationMatcher wires the unsubscribe orchestrator's opportunistic
// confirmation check. Set after construction to break the dependency cycle
// between the two orchestrators.
func (o *Orchestrator) SetConfirmationMatcher(m ConfirmationMatcher) { o.matcher = m }

// StartScan validates preconditions and creates a pending session. The heavy
// work happens later on a worker via Run.
func (o *Orchestrator) StartScan(ctx context.Context, userID string, window domain.ScanWindow, forceRescan bool) (*domain.ScanSession, error) {
	active, err := o.sessions.HasActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if active {
		return nil, ErrScanConflict
	}

	// Surface credential problems at start time rather than after the
	// session is queued.
	if _, err := o.creds.Credential(ctx, userID); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	defaulted := window.Start.IsZero()
	if defaulted {
		window.Start = now.AddDate(-o.cfg.DefaultWindowYears, 0, 0)
	}

	s := &domain.ScanSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		WindowStart: window.Start,
		ForceRescan: forceRescan,
		Status:      domain.ScanPending,
		CreatedAt:   now,
	}
	if !window.End.IsZero() {
		end := window.End
		s.WindowEnd = &end
	}
	if !forceRescan {
		o.seedCursor(ctx, s, defaulted)
	}

	if err := o.sessions.Create(ctx, s); err != nil {
		// The DB holds a partial unique index on active sessions, so a
		// racing start still loses exactly once.
		if errors.Is(err, ErrScanConflict) {
			return nil, ErrScanConflict
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	o.record(ctx, userID, domain.EventScanStarted, s.ID, map[string]any{
		"window_start": s.WindowStart.Format(time.RFC3339),
		"force_rescan": forceRescan,
	})
	return s, nil
}

// seedCursor lets a new session pick up where the user's most recent failed
// one stopped. A page token is only meaningful against the identical query,
// so an explicit window must match the failed session's exactly; a defaulted
// window adopts the failed session's window when it is recent enough.
func (o *Orchestrator) seedCursor(ctx context.Context, s *domain.ScanSession, defaulted bool) {
	prev, err := o.sessions.LastFailed(ctx, s.UserID)
	if err != nil {
		logger.Warn("last failed session lookup failed", "user_id", s.UserID, "error", err.Error())
		return
	}
	if prev == nil || prev.Cursor == nil {
		return
	}
	switch {
	case defaulted && prev.WindowEnd == nil:
		d := s.WindowStart.Sub(prev.WindowStart)
		if d < 0 || d > 24*time.Hour {
			return
		}
		s.WindowStart = prev.WindowStart
	case !sameWindow(prev, s):
		return
	}
	token := *prev.Cursor
	s.Cursor = &token
	logger.Info("resuming failed scan", "session_id", s.ID, "failed_session_id", prev.ID)
}

func sameWindow(a, b *domain.ScanSession) bool {
	if !a.WindowStart.Equal(b.WindowStart) {
		return false
	}
	if a.WindowEnd == nil || b.WindowEnd == nil {
		return a.WindowEnd == nil && b.WindowEnd == nil
	}
	return a.WindowEnd.Equal(*b.WindowEnd)
}

// GetStatus returns the session row with its counters.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) (*domain.ScanSession, error) {
	return o.sessions.Get(ctx, sessionID)
}

// RequestCancel flags the session for cooperative cancellation. Honored at
// the next message boundary; a message mid-classification always completes.
func (o *Orchestrator) RequestCancel(ctx context.Context, sessionID string) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.IsTerminal() {
		return nil
	}
	return o.sessions.MarkCancelRequested(ctx, sessionID)
}

// Run executes one session to a terminal state. Callers (the session worker)
// are expected to have claimed the session.
func (o *Orchestrator) Run(ctx context.Context, s *domain.ScanSession) error {
	cred, err := o.creds.Credential(ctx, s.UserID)
	if err != nil {
		return o.fail(ctx, s, "auth_expired")
	}

	now := o.now().UTC()
	s.Status = domain.ScanRunning
	s.StartedAt = &now
	if err := o.sessions.Update(ctx, s); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	var winEnd time.Time
	if s.WindowEnd != nil {
		winEnd = *s.WindowEnd
	}
	query := gmail.BuildQuery(o.cfg.SearchQuery, s.WindowStart, winEnd)

	pageToken := ""
	if s.Cursor != nil {
		pageToken = *s.Cursor
	}

	for {
		if ctx.Err() != nil {
			return o.interrupt(ctx, s, pageToken)
		}
		if cancelled, err := o.cancelRequested(ctx, s); err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx, s, pageToken)
			}
			return err
		} else if cancelled {
			return o.finish(ctx, s, domain.ScanCancelled, "")
		}

		page, err := o.fetchPage(ctx, s, cred, query, pageToken)
		if err != nil {
			if errors.Is(err, gmail.ErrInvalidCredential) {
				return o.fail(ctx, s, "auth_expired")
			}
			if ctx.Err() != nil {
				return o.interrupt(ctx, s, pageToken)
			}
			return o.fail(ctx, s, "fetch_error")
		}

		for _, id := range page.IDs {
			if ctx.Err() != nil {
				return o.interrupt(ctx, s, pageToken)
			}
			if cancelled, err := o.cancelRequested(ctx, s); err != nil {
				if ctx.Err() != nil {
					return o.interrupt(ctx, s, pageToken)
				}
				return err
			} else if cancelled {
				o.persistProgress(ctx, s, pageToken)
				return o.finish(ctx, s, domain.ScanCancelled, "")
			}
			if err := o.processMessage(ctx, s, cred, id); err != nil {
				if errors.Is(err, gmail.ErrInvalidCredential) {
					o.persistProgress(ctx, s, pageToken)
					return o.fail(ctx, s, "auth_expired")
				}
				if ctx.Err() != nil {
					return o.interrupt(ctx, s, pageToken)
				}
				reason := "fetch_error"
				if errors.Is(err, errStorage) {
					reason = "storage_error"
				}
				o.persistProgress(ctx, s, pageToken)
				return o.fail(ctx, s, reason)
			}
		}

		// Commit counters and cursor once per page so a crash resumes
		// here instead of reprocessing.
		pageToken = page.NextPageToken
		o.persistProgress(ctx, s, pageToken)

		if pageToken == "" {
			break
		}
	}

	return o.finish(ctx, s, domain.ScanCompleted, "")
}

func (o *Orchestrator) processMessage(ctx context.Context, s *domain.ScanSession, cred, messageID string) error {
	s.MessagesSeen++

	if !s.ForceRescan {
		seen, err := o.refs.Exists(ctx, s.UserID, messageID)
		if err != nil {
			return fmt.Errorf("check ref: %w: %w", errStorage, err)
		}
		if seen {
			return nil
		}
	}

	msg, err := o.fetchMessage(ctx, cred, messageID)
	if err != nil {
		return err
	}

	if o.matcher != nil {
		o.matcher.OfferMessage(ctx, s.UserID, msg)
	}

	decision := domain.RefRejected
	if cand := o.extractor.Extract(msg); cand != nil {
		s.CandidatesFound++

		fields := o.resolveFields(ctx, s, cand, msg)
		if fields != nil {
			outcome, err := o.merger.Merge(ctx, s.UserID, fields, msg)
			if err != nil {
				logger.Warn("merge failed", "session_id", s.ID, "message_id", messageID, "error", err.Error())
			}
			switch outcome {
			case merge.OutcomeCreated:
				s.SubscriptionsCreated++
				decision = domain.RefMatched
			case merge.OutcomeUpdated:
				s.SubscriptionsUpdated++
				decision = domain.RefMatched
			}
		}
	}

	ref := &domain.EmailMessageRef{
		UserID:       s.UserID,
		MessageID:    messageID,
		SenderDomain: msg.SenderDomain,
		ReceivedAt:   msg.ReceivedAt,
		Decision:     decision,
		SessionID:    s.ID,
	}
	if err := o.refs.Insert(ctx, ref); err != nil {
		return fmt.Errorf("insert ref: %w: %w", errStorage, err)
	}
	return nil
}

// resolveFields picks the field source: complete rule extractions skip the
// model entirely; everything else goes through the classifier. Classification
// failures are absorbed, recorded, and never abort the session.
func (o *Orchestrator) resolveFields(ctx context.Context, s *domain.ScanSession, cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) *domain.ClassifiedFields {
	if cand.RuleConfidence >= o.cfg.RuleConfidenceThreshold {
		return o.extractor.Fields(cand, msg)
	}

	fields, err := o.classifier.Classify(ctx, cand, msg)
	if err != nil {
		var cf *classify.ClassificationFailure
		reason := "classifier_error"
		if errors.As(err, &cf) {
			reason = cf.Reason
		}
		logger.Warn("classification failed", "session_id", s.ID, "message_id", msg.ID, "reason", reason)
		o.record(ctx, s.UserID, domain.EventClassificationFailed, s.ID, map[string]any{
			"message_id": msg.ID,
			"reason":     reason,
		})
		return nil
	}
	return fields
}

func (o *Orchestrator) fetchPage(ctx context.Context, s *domain.ScanSession, cred, query, pageToken string) (*gmail.MessagePage, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxFetchRetries; attempt++ {
		if attempt > 0 {
			o.persistProgress(ctx, s, pageToken)
			if err := o.sleep(ctx, o.retryDelay(attempt, lastErr)); err != nil {
				return nil, err
			}
		}
		page, err := o.source.List(ctx, cred, query, pageToken)
		if err == nil {
			return page, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch page after %d attempts: %w", o.cfg.MaxFetchRetries, lastErr)
}

func (o *Orchestrator) fetchMessage(ctx context.Context, cred, id string) (*domain.EmailMessage, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxFetchRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.retryDelay(attempt, lastErr)); err != nil {
				return nil, err
			}
		}
		msg, err := o.source.Get(ctx, cred, id)
		if err == nil {
			return msg, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch message after %d attempts: %w", o.cfg.MaxFetchRetries, lastErr)
}

// retryDelay honors a server-provided Retry-After when present, otherwise
// exponential backoff capped at the configured maximum.
func (o *Orchestrator) retryDelay(attempt int, lastErr error) time.Duration {
	var rl *gmail.RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	d := o.cfg.BackoffBase << (attempt - 1)
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}

func retryable(err error) bool {
	var rl *gmail.RateLimitedError
	var tr *gmail.TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// cancelRequested re-reads the session so a cancel flagged through the API
// is observed at the next message boundary. Context death is not a cancel;
// callers check that separately and requeue instead.
func (o *Orchestrator) cancelRequested(ctx context.Context, s *domain.ScanSession) (bool, error) {
	fresh, err := o.sessions.Get(ctx, s.ID)
	if err != nil {
		return false, fmt.Errorf("refresh session: %w", err)
	}
	return fresh.CancelRequested, nil
}

func (o *Orchestrator) persistProgress(ctx context.Context, s *domain.ScanSession, pageToken string) {
	if pageToken == "" {
		s.Cursor = nil
	} else {
		token := pageToken
		s.Cursor = &token
	}
	if err := o.sessions.Update(ctx, s); err != nil {
		logger.Warn("persist progress failed", "session_id", s.ID, "error", err.Error())
	}
}

// interrupt hands a session whose context died back to the queue. A shutdown
// must not burn the user's scan, so the session returns to pending with its
// cursor and counters intact for the next worker to claim. The write goes
// through a detached context because the caller's is already dead.
func (o *Orchestrator) interrupt(ctx context.Context, s *domain.ScanSession, pageToken string) error {
	dctx, cancel := detach(ctx)
	defer cancel()

	if pageToken == "" {
		s.Cursor = nil
	} else {
		token := pageToken
		s.Cursor = &token
	}
	s.Status = domain.ScanPending
	s.StartedAt = nil
	if err := o.sessions.Update(dctx, s); err != nil {
		return fmt.Errorf("requeue interrupted session: %w", err)
	}
	logger.Info("scan session requeued after interrupt",
		"session_id", s.ID, "messages_seen", s.MessagesSeen)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, s *domain.ScanSession, status domain.ScanStatus, reason string) error {
	// Terminal writes get a detached context so a session is never left
	// running because the pool shut down under it.
	dctx, cancel := detach(ctx)
	defer cancel()

	now := o.now().UTC()
	s.Status = status
	s.FailureReason = reason
	s.CompletedAt = &now
	if err := o.sessions.Update(dctx, s); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	eventType := domain.EventScanCompleted
	switch status {
	case domain.ScanFailed:
		eventType = domain.EventScanFailed
	case domain.ScanCancelled:
		eventType = domain.EventScanCancelled
	}
	payload := map[string]any{
		"messages_seen":         s.MessagesSeen,
		"candidates_found":      s.CandidatesFound,
		"subscriptions_created": s.SubscriptionsCreated,
		"subscriptions_updated": s.SubscriptionsUpdated,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	o.record(dctx, s.UserID, eventType, s.ID, payload)
	return nil
}

// detach severs a write from the caller's context so it still lands after
// the worker pool is cancelled, while keeping a bound on how long it runs.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (o *Orchestrator) fail(ctx context.Context, s *domain.ScanSession, reason string) error {
	return o.finish(ctx, s, domain.ScanFailed, reason)
}

func (o *Orchestrator) record(ctx context.Context, userID, eventType, subjectID string, payload map[string]any) {
	ev := &domain.ActivityEvent{
		UserID:    userID,
		Actor:     "scanner",
		EventType: eventType,
		SubjectID: subjectID,
		Payload:   payload,
	}
	if err := o.ledger.Append(ctx, ev); err != nil {
		logger.Warn("activity append failed", "event_type", eventType, "error", err.Error())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
