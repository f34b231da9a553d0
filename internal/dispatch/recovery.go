package dispatch

import (
	"context"
	"time"

	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// RecoveryWorker sweeps emails stuck in 'sending' after a worker crash
// back into the queue. The stale age must exceed the longest send
// timeout so an in-flight delivery is never reclaimed.
type RecoveryWorker struct {
	store    *store.Store
	staleAge time.Duration
	interval time.Duration
}

// NewRecoveryWorker creates a sweeper. Defaults: items stale after 10
// minutes, swept every minute.
func NewRecoveryWorker(st *store.Store, staleAge, interval time.Duration) *RecoveryWorker {
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecoveryWorker{store: st, staleAge: staleAge, interval: interval}
}

// Run sweeps until the context is cancelled.
func (r *RecoveryWorker) Run(ctx context.Context) {
	logger.Info("queue recovery started", "stale_age", r.staleAge, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue recovery stopped")
			return
		case <-ticker.C:
			requeued, failed, err := r.store.RequeueStale(ctx, r.staleAge, MaxSendAttempts)
			if err != nil {
				logger.Error("stale sweep failed", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				logger.Warn("stale sends recovered", "requeued", requeued, "failed", failed)
			}
		}
	}
}
