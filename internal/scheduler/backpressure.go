package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// BackpressureMonitor watches the pending queue depth and signals the
// scheduler to stop queueing when delivery cannot keep up. Without it an
// unreachable provider lets the queue grow without bound. Resume happens
// at half the pause threshold to avoid flapping.
type BackpressureMonitor struct {
	store    *store.Store
	maxDepth int64
	interval time.Duration

	mu     sync.RWMutex
	paused bool
}

// NewBackpressureMonitor creates a monitor. maxDepth <= 0 defaults to
// 100,000 pending emails.
func NewBackpressureMonitor(st *store.Store, maxDepth int64) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 100000
	}
	return &BackpressureMonitor{
		store:    st,
		maxDepth: maxDepth,
		interval: 30 * time.Second,
	}
}

// Run checks the depth periodically until the context is cancelled.
func (bp *BackpressureMonitor) Run(ctx context.Context) {
	bp.check(ctx)
	ticker := time.NewTicker(bp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.check(ctx)
		}
	}
}

func (bp *BackpressureMonitor) check(ctx context.Context) {
	depth, err := bp.store.PendingDepth(ctx)
	if err != nil {
		logger.Warn("backpressure depth check failed", "error", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	switch {
	case !bp.paused && depth >= bp.maxDepth:
		bp.paused = true
		logger.Warn("queueing paused: queue depth over threshold",
			"depth", depth, "max", bp.maxDepth)
	case bp.paused && depth <= bp.maxDepth/2:
		bp.paused = false
		logger.Info("queueing resumed: queue drained", "depth", depth)
	}
}

// Paused reports whether the scheduler should hold off queueing.
func (bp *BackpressureMonitor) Paused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}
