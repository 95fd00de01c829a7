package worker

import (
	"context"
	"sync"
	"time"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/pkg/distlock"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// ActionQueue hands out requested unsubscribe actions and recovers ones
// orphaned by a crashed worker. A claim flips the action to in_progress.
type ActionQueue interface {
	ClaimRequested(ctx context.Context) (*domain.UnsubscribeAction, error)
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// ActionExecutor carries a claimed action forward and times out
// actions whose confirmation window has lapsed.
type ActionExecutor interface {
	Execute(ctx context.Context, a *domain.UnsubscribeAction) error
	ExpireOverdue(ctx context.Context) (int, error)
}

// ActionRunner polls for requested unsubscribe actions and executes
// them. It also runs a periodic sweep that requeues actions stuck
// in_progress after their worker died and times out overdue ones; the
// sweep takes a distributed lock so only one replica runs it.
type ActionRunner struct {
	queue      ActionQueue
	exec       ActionExecutor
	sweepLock  distlock.Lock
	workers    int
	interval   time.Duration
	sweepEvery time.Duration
}

func NewActionRunner(queue ActionQueue, exec ActionExecutor, sweepLock distlock.Lock, workers int, interval time.Duration) *ActionRunner {
	if workers <= 0 {
		workers = 1
	}
	return &ActionRunner{
		queue:      queue,
		exec:       exec,
		sweepLock:  sweepLock,
		workers:    workers,
		interval:   interval,
		sweepEvery: 10 * time.Minute,
	}
}

// Start runs the pool and the sweep loop until ctx is cancelled.
// It blocks.
func (r *ActionRunner) Start(ctx context.Context) {
	logger.Info("unsubscribe action runner starting", "workers", r.workers)
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
	logger.Info("unsubscribe action runner stopped")
}

func (r *ActionRunner) loop(ctx context.Context) {
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

func (r *ActionRunner) runOnce(ctx context.Context) bool {
	a, err := r.queue.ClaimRequested(ctx)
	if err != nil {
		logger.Error("unsubscribe action claim failed", "error", err.Error())
		return false
	}
	if a == nil {
		return false
	}
	logger.Info("unsubscribe action claimed", "action_id", a.ID, "user_id", a.UserID)
	if err := r.exec.Execute(ctx, a); err != nil {
		logger.Error("unsubscribe action execute failed", "action_id", a.ID, "error", err.Error())
	}
	return true
}

func (r *ActionRunner) sweepLoop(ctx context.Context) {
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

// sweep requeues stale in-progress actions and times out ones past their
// confirmation window. Held behind the distributed lock so one replica
// sweeps per interval.
func (r *ActionRunner) sweep(ctx context.Context) {
	ok, err := r.sweepLock.Acquire(ctx)
	if err != nil {
		logger.Error("sweep lock acquire failed", "error", err.Error())
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := r.sweepLock.Release(ctx); err != nil {
			logger.Warn("sweep lock release failed", "error", err.Error())
		}
	}()

	if n, err := r.queue.RequeueStale(ctx, time.Now().Add(-staleAfter)); err != nil {
		logger.Error("stale action requeue failed", "error", err.Error())
	} else if n > 0 {
		logger.Warn("stale unsubscribe actions requeued", "count", n)
	}

	n, err := r.exec.ExpireOverdue(ctx)
	if err != nil {
		logger.Error("overdue sweep failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Info("overdue cancellations timed out", "count", n)
	}
}
