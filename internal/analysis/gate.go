package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// AnalysisBackoff is the retry schedule for failed classifications.
var AnalysisBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// MaxAnalysisAttempts bounds the retry chain for real failures.
// Rate-limit holds do not count against it.
const MaxAnalysisAttempts = 3

// RateLimitHold is how long a response waits after the classifier
// reports throttling.
const RateLimitHold = 30 * time.Second

// Gate drains pending responses through the classifier. Claims use the
// same skip-locked pattern as dispatch, so several gates share the load
// without double-classifying.
type Gate struct {
	store      *store.Store
	classifier Classifier
	bus        *events.Bus
	batchSize  int
	interval   time.Duration
	wake       chan struct{}
	now        func() time.Time
}

// NewGate creates a Gate and subscribes it to reply.received events so
// fresh replies are classified without waiting out the ticker. Zero
// batch and interval default to 10 and 15s.
func NewGate(st *store.Store, classifier Classifier, bus *events.Bus, batchSize int, interval time.Duration) *Gate {
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	g := &Gate{
		store:      st,
		classifier: classifier,
		bus:        bus,
		batchSize:  batchSize,
		interval:   interval,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
	if bus != nil {
		// Handlers run on the publisher's goroutine; only nudge the run
		// loop, never drain here.
		bus.Subscribe(events.KindReplyReceived, func(context.Context, events.Event) {
			select {
			case g.wake <- struct{}{}:
			default:
			}
		})
	}
	return g
}

// Run claims and classifies until the context is cancelled. The ticker
// catches retries and anything queued while the gate was down.
func (g *Gate) Run(ctx context.Context) {
	logger.Info("analysis gate started", "batch", g.batchSize, "interval", g.interval)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("analysis gate stopped")
			return
		case <-g.wake:
		case <-ticker.C:
		}
		if _, err := g.DrainOnce(ctx); err != nil {
			logger.Error("analysis drain failed", "error", err)
		}
	}
}

// DrainOnce claims one batch and classifies it, returning how many
// responses reached a verdict.
func (g *Gate) DrainOnce(ctx context.Context) (int, error) {
	claimed, err := g.store.ClaimPendingAnalysis(ctx, g.batchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range claimed {
		if ctx.Err() != nil {
			// Return unprocessed claims so another gate takes them.
			g.store.ReleaseAnalysis(context.Background(), claimed[i].ID, nil)
			continue
		}
		if g.analyze(ctx, &claimed[i]) {
			done++
		}
	}
	return done, nil
}

// analyze runs one response through the classifier and settles its row.
// Returns true when a verdict was stored.
func (g *Gate) analyze(ctx context.Context, r *store.Response) bool {
	// A batch cancelled after the poller recorded the response must not
	// spend classifier budget.
	cancelled, err := g.store.BatchCancelled(ctx, r.BatchID)
	if err != nil {
		logger.Warn("batch check failed", "response", r.ID.String(), "error", err)
		g.store.ReleaseAnalysis(ctx, r.ID, nil)
		return false
	}
	if cancelled {
		if err := g.store.SkipAnalysis(ctx, r.ID); err != nil {
			logger.Warn("skip analysis failed", "response", r.ID.String(), "error", err)
		}
		return false
	}

	verdict, err := g.classifier.Classify(ctx, r.Subject, r.Body)
	switch {
	case err == nil:
		quotes, _ := json.Marshal(verdict.Quotes)
		if err := g.store.MarkAnalyzed(ctx, r.ID, verdict.InterestLevel, verdict.Summary, string(quotes)); err != nil {
			logger.Error("store verdict failed", "response", r.ID.String(), "error", err)
			return false
		}
		logger.Info("reply analyzed",
			"response", r.ID.String(), "interest", verdict.InterestLevel)
		if g.bus != nil {
			g.bus.Publish(ctx, events.Event{
				Kind:     events.KindReplyAnalyzed,
				EntityID: r.ID,
				Detail:   map[string]string{"interest": verdict.InterestLevel},
			})
		}
		return true

	case errors.Is(err, ErrRateLimited):
		// Own cadence, attempt budget untouched.
		retry := g.now().Add(RateLimitHold)
		if err := g.store.ReleaseAnalysis(ctx, r.ID, &retry); err != nil {
			logger.Warn("rate-limit release failed", "response", r.ID.String(), "error", err)
		}
		logger.Debug("classifier throttled, response held", "response", r.ID.String())
		return false

	case errors.Is(err, ErrMalformed):
		// No retry will fix a reply the classifier cannot read. Fail it
		// now so the state is operator-visible.
		if ferr := g.store.FailAnalysis(ctx, r.ID, err.Error()); ferr != nil {
			logger.Error("fail analysis failed", "response", r.ID.String(), "error", ferr)
		}
		logger.Error("reply not classifiable, analysis failed",
			"response", r.ID.String(), "error", err)
		return false

	default:
		retryAt := g.now().Add(backoffFor(r.AnalysisAttempts))
		dead, ferr := g.store.RecordAnalysisFailure(ctx, r.ID, err.Error(), MaxAnalysisAttempts, retryAt)
		if ferr != nil {
			logger.Error("record analysis failure failed", "response", r.ID.String(), "error", ferr)
			return false
		}
		if dead {
			logger.Error("analysis dead after max attempts",
				"response", r.ID.String(), "error", err)
		} else {
			logger.Warn("analysis failed, will retry",
				"response", r.ID.String(), "attempt", r.AnalysisAttempts+1, "error", err)
		}
		return false
	}
}

func backoffFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(AnalysisBackoff) {
		return AnalysisBackoff[len(AnalysisBackoff)-1]
	}
	return AnalysisBackoff[attempts]
}
