package scheduler

import (
	"context"
	"time"

	"github.com/reachforge/outreach/internal/pkg/distlock"
	"github.com/reachforge/outreach/internal/pkg/logger"
)

// LockFactory builds a named distributed lock.
type LockFactory func(key string, ttl time.Duration) distlock.Lock

// Runner drives the scheduler on an interval across all active
// campaigns. Each campaign is guarded by its own distributed lock, so a
// fleet of workers divides the campaigns between them without
// double-scheduling any.
type Runner struct {
	scheduler *Scheduler
	pressure  *BackpressureMonitor
	locks     LockFactory
	interval  time.Duration
}

// NewRunner creates a Runner. A zero interval defaults to one minute.
func NewRunner(s *Scheduler, bp *BackpressureMonitor, locks LockFactory, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{scheduler: s, pressure: bp, locks: locks, interval: interval}
}

// Run loops until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	logger.Info("scheduler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if r.pressure != nil && r.pressure.Paused() {
		logger.Debug("scheduler tick skipped: backpressure")
		return
	}

	campaigns, err := r.scheduler.store.ListActiveCampaigns(ctx)
	if err != nil {
		logger.Error("list active campaigns failed", "error", err)
		return
	}

	for _, c := range campaigns {
		if ctx.Err() != nil {
			return
		}
		lock := r.locks("schedule:campaign:"+c.ID.String(), 2*time.Minute)
		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			logger.Warn("campaign lock acquire failed", "campaign", c.ID.String(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := r.scheduler.RunOnce(ctx, c.ID); err != nil {
			logger.Error("campaign scheduling failed", "campaign", c.ID.String(), "error", err)
		}
		lock.Release(ctx)
	}
}
