package warmup

import (
	"context"
	"strconv"
	"time"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/distlock"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// Decision is the outcome of one warmup step for a mailbox.
type Decision struct {
	PrevDay  int
	NewDay   int
	NewLimit int
	Graduate bool
}

// Decide computes the next warmup step for a mailbox. Pure: the DB date
// guard in the store is what makes the step happen at most once per day.
func Decide(m *store.Mailbox, ramp store.RampFunc) Decision {
	prev := m.WarmupDay
	if prev < 0 {
		prev = 0
	}
	next := prev + 1
	return Decision{
		PrevDay:  prev,
		NewDay:   next,
		NewLimit: ramp(next, m.BaseDailyLimit),
		Graduate: GraduatesOn(ramp, next, m.BaseDailyLimit),
	}
}

// LockFactory builds a named distributed lock.
type LockFactory func(key string, ttl time.Duration) distlock.Lock

// Advancer steps every warming mailbox forward once per day. It is safe
// to run on every worker instance: a distributed lock elects one runner
// per tick, and the per-mailbox date guard makes a second pass on the
// same day a no-op even if the lock fails open.
type Advancer struct {
	store    *store.Store
	bus      *events.Bus
	ramp     store.RampFunc
	locks    LockFactory
	interval time.Duration
	now      func() time.Time
}

// NewAdvancer creates an Advancer. A nil ramp uses DefaultRamp; a zero
// interval checks hourly.
func NewAdvancer(st *store.Store, bus *events.Bus, ramp store.RampFunc, locks LockFactory, interval time.Duration) *Advancer {
	if ramp == nil {
		ramp = DefaultRamp
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Advancer{
		store:    st,
		bus:      bus,
		ramp:     ramp,
		locks:    locks,
		interval: interval,
		now:      time.Now,
	}
}

// Run loops until the context is cancelled, advancing due mailboxes on
// each tick.
func (a *Advancer) Run(ctx context.Context) {
	logger.Info("warmup advancer started", "interval", a.interval)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("warmup advancer stopped")
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Advancer) tick(ctx context.Context) {
	lock := a.locks("warmup:advance", 5*time.Minute)
	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		logger.Warn("warmup lock acquire failed", "error", err)
		return
	}
	if !ok {
		return
	}
	defer lock.Release(ctx)

	if n, err := a.store.ResetDailyCounters(ctx); err != nil {
		logger.Warn("daily counter reset failed", "error", err)
	} else if n > 0 {
		logger.Info("daily counters reset", "mailboxes", n)
	}

	if _, err := a.AdvanceDue(ctx); err != nil {
		logger.Error("warmup advance failed", "error", err)
	}
}

// AdvanceDue advances every mailbox that has not stepped today and
// returns how many moved. Graduating mailboxes leave warmup permanently:
// warmup_enabled goes false and the status flips to active.
func (a *Advancer) AdvanceDue(ctx context.Context) (int, error) {
	today := a.now().UTC()
	due, err := a.store.ListWarmupDueMailboxes(ctx, today)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, m := range due {
		d := Decide(m, a.ramp)
		moved, err := a.store.AdvanceMailboxWarmup(ctx, m.ID, today, d.NewDay, d.Graduate)
		if err != nil {
			logger.Error("warmup step failed", "mailbox", m.ID.String(), "error", err)
			continue
		}
		if !moved {
			// Another instance already stepped this mailbox today.
			continue
		}
		advanced++

		kind := events.KindWarmupAdvanced
		if d.Graduate {
			kind = events.KindWarmupGraduated
			logger.Info("mailbox graduated from warmup",
				"mailbox", m.ID.String(), "address", m.Address, "day", d.NewDay)
		} else {
			logger.Info("warmup advanced",
				"mailbox", m.ID.String(), "address", m.Address,
				"day", d.NewDay, "limit", d.NewLimit)
		}
		if a.bus != nil {
			a.bus.Publish(ctx, events.Event{
				Kind:     kind,
				EntityID: m.ID,
				Detail: map[string]string{
					"day":   strconv.Itoa(d.NewDay),
					"limit": strconv.Itoa(d.NewLimit),
				},
			})
		}
	}
	return advanced, nil
}
