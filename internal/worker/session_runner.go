// Package worker holds the background loops: scan session execution,
// unsubscribe dispatch, overdue sweeps, and renewal reminders. Every
// runner polls for work through a claim query so multiple replicas can
// share a queue without double-processing.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/pkg/distlock"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// staleAfter is how long a claimed row may go without a heartbeat before
// the sweep decides its worker is dead and requeues it.
const staleAfter = 15 * time.Minute

// SessionQueue hands out pending scan sessions and recovers ones orphaned
// by a crashed worker. A claim flips the session to running so no other
// worker picks it up.
type SessionQueue interface {
	ClaimPending(ctx context.Context) (*domain.ScanSession, error)
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// ScanRunner drives one claimed session to a terminal state.
type ScanRunner interface {
	Run(ctx context.Context, s *domain.ScanSession) error
}

// SessionRunner polls for pending scan sessions and runs them on a
// fixed pool of goroutines. A periodic sweep requeues sessions whose
// worker died mid-run; the sweep takes a distributed lock so only one
// replica runs it.
type SessionRunner struct {
	queue      SessionQueue
	runner     ScanRunner
	sweepLock  distlock.Lock
	workers    int
	interval   time.Duration
	sweepEvery time.Duration
}

func NewSessionRunner(queue SessionQueue, runner ScanRunner, sweepLock distlock.Lock, workers int, interval time.Duration) *SessionRunner {
	if workers <= 0 {
		workers = 1
	}
	return &SessionRunner{
		queue:      queue,
		runner:     runner,
		sweepLock:  sweepLock,
		workers:    workers,
		interval:   interval,
		sweepEvery: 5 * time.Minute,
	}
}

// Start runs the pool and the sweep loop until ctx is cancelled.
// It blocks.
func (r *SessionRunner) Start(ctx context.Context) {
	logger.Info("scan session runner starting", "workers", r.workers)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()
	wg.Wait()
	logger.Info("scan session runner stopped")
}

func (r *SessionRunner) loop(ctx context.Context) {
	for {
		worked := r.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// runOnce claims and runs at most one session. Returns true if a
// session was claimed, so the caller can skip the idle sleep.
func (r *SessionRunner) runOnce(ctx context.Context) bool {
	s, err := r.queue.ClaimPending(ctx)
	if err != nil {
		logger.Error("scan session claim failed", "error", err.Error())
		return false
	}
	if s == nil {
		return false
	}
	logger.Info("scan session claimed", "session_id", s.ID, "user_id", s.UserID)
	if err := r.runner.Run(ctx, s); err != nil {
		logger.Error("scan session run failed", "session_id", s.ID, "error", err.Error())
	}
	return true
}

func (r *SessionRunner) sweepLoop(ctx context.Context) {
	t := time.NewTicker(r.sweepEvery)
	defer t.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

// sweep requeues sessions whose worker died mid-run. Without it a crashed
// worker leaves a session running forever and the one-active-session check
// blocks every later scan for that user.
func (r *SessionRunner) sweep(ctx context.Context) {
	ok, err := r.sweepLock.Acquire(ctx)
	if err != nil {
		logger.Error("session sweep lock acquire failed", "error", err.Error())
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := r.sweepLock.Release(ctx); err != nil {
			logger.Warn("session sweep lock release failed", "error", err.Error())
		}
	}()

	n, err := r.queue.RequeueStale(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		logger.Error("stale session requeue failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Warn("stale scan sessions requeued", "count", n)
	}
}
