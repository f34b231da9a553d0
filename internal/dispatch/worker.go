package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
	"github.com/reachforge/outreach/internal/transport"
)

// SendBackoff is the retry schedule for temporary delivery failures:
// first retry after 30s, then 5m, then the email is dead after the third
// failed attempt.
var SendBackoff = []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute}

// MaxSendAttempts bounds the retry chain.
const MaxSendAttempts = 3

// TransportResolver resolves the outbound transport for a mailbox.
// *transport.Factory is the production implementation.
type TransportResolver interface {
	ForMailbox(m *store.Mailbox) (transport.Outbound, error)
}

// Pool runs a fixed set of dispatch workers over the shared queue.
type Pool struct {
	store      *store.Store
	limiter    *RateLimiter
	transports TransportResolver
	bus        *events.Bus
	ramp       store.RampFunc

	workerID    string
	workers     int
	claimBatch  int
	pollEvery   time.Duration
	sendTimeout time.Duration
	morningHour int

	sent   atomic.Int64
	failed atomic.Int64
	now    func() time.Time
}

// Config sizes a Pool.
type Config struct {
	Workers     int
	ClaimBatch  int
	PollEvery   time.Duration
	SendTimeout time.Duration
	// MorningHour is when deferred emails resume after a daily limit
	// hit, in the scheduler's window location.
	MorningHour int
}

// NewPool creates a dispatch pool. The ramp must match the scheduler's
// so both sides agree on each mailbox's daily ceiling.
func NewPool(st *store.Store, limiter *RateLimiter, transports TransportResolver, bus *events.Bus, ramp store.RampFunc, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MorningHour <= 0 {
		cfg.MorningHour = 9
	}
	if ramp == nil {
		ramp = func(day, base int) int { return base }
	}
	host, _ := os.Hostname()
	return &Pool{
		store:       st,
		limiter:     limiter,
		transports:  transports,
		bus:         bus,
		ramp:        ramp,
		workerID:    fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		workers:     cfg.Workers,
		claimBatch:  cfg.ClaimBatch,
		pollEvery:   cfg.PollEvery,
		sendTimeout: cfg.SendTimeout,
		morningHour: cfg.MorningHour,
		now:         time.Now,
	}
}

// Run starts the workers and blocks until the context is cancelled and
// all of them have drained.
func (p *Pool) Run(ctx context.Context) {
	logger.Info("dispatch pool started",
		"workers", p.workers, "worker_id", p.workerID, "poll", p.pollEvery)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.workLoop(ctx, n)
		}(i)
	}
	wg.Wait()

	logger.Info("dispatch pool stopped",
		"sent", p.sent.Load(), "failed", p.failed.Load())
}

func (p *Pool) workLoop(ctx context.Context, n int) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := p.store.ClaimDue(ctx, p.workerID, p.claimBatch)
			if err != nil {
				logger.Error("claim failed", "worker", n, "error", err)
				continue
			}
			for _, item := range items {
				if ctx.Err() != nil {
					// Shutting down mid-batch: release unprocessed
					// claims so another worker picks them up promptly.
					p.store.ReleaseEmail(context.Background(), item.ID, nil)
					continue
				}
				p.process(ctx, item)
			}
		}
	}
}

// process drives one claimed email through cancellation, pacing, quota,
// and delivery. Every exit path settles the row: back to queued, sent,
// failed, or bounced.
func (p *Pool) process(ctx context.Context, item store.DispatchItem) {
	// The claim query already skips cancelled batches; re-check in case
	// the batch was cancelled between claim and send.
	cancelled, err := p.store.BatchCancelled(ctx, item.BatchID)
	if err != nil {
		logger.Warn("batch check failed", "email", item.ID.String(), "error", err)
		p.store.ReleaseEmail(ctx, item.ID, nil)
		return
	}
	if cancelled {
		p.store.ReleaseEmail(ctx, item.ID, nil)
		return
	}

	mailbox, err := p.store.GetMailbox(ctx, item.MailboxID)
	if err != nil {
		logger.Error("mailbox load failed", "email", item.ID.String(), "error", err)
		p.store.ReleaseEmail(ctx, item.ID, nil)
		return
	}

	if p.limiter != nil {
		allowed, wait, err := p.limiter.Allow(ctx, ChannelFor(mailbox), mailbox.ID)
		if err != nil {
			logger.Warn("pace check failed", "email", item.ID.String(), "error", err)
			p.store.ReleaseEmail(ctx, item.ID, nil)
			return
		}
		if !allowed {
			next := p.now().Add(wait)
			p.store.ReleaseEmail(ctx, item.ID, &next)
			return
		}
	}

	limit := mailbox.CurrentDailyLimit(p.ramp)
	if err := p.store.IncrementSentToday(ctx, mailbox.ID, limit); err != nil {
		if err == store.ErrLimitReached {
			// Quota gone for today; hold until the next morning window.
			next := p.nextMorning()
			p.store.ReleaseEmail(ctx, item.ID, &next)
			logger.Info("daily limit reached, email deferred",
				"mailbox", mailbox.ID.String(), "email", item.ID.String(), "until", next)
			return
		}
		logger.Error("quota increment failed", "email", item.ID.String(), "error", err)
		p.store.ReleaseEmail(ctx, item.ID, nil)
		return
	}

	p.deliver(ctx, item, mailbox)
}

func (p *Pool) deliver(ctx context.Context, item store.DispatchItem, mailbox *store.Mailbox) {
	out, err := p.transports.ForMailbox(mailbox)
	if err != nil {
		p.fail(ctx, item, err.Error())
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	result, err := out.Send(sendCtx, transport.Message{
		From:     mailbox.Address,
		FromName: mailbox.DisplayName,
		To:       item.LeadEmail,
		ToName:   item.LeadName,
		Subject:  item.Subject,
		Body:     item.Body,
	})
	if err != nil {
		if transport.IsPermanent(err) {
			p.bounce(ctx, item, err.Error())
			return
		}
		p.fail(ctx, item, err.Error())
		return
	}

	if err := p.store.MarkEmailSent(ctx, item.ID, result.MessageID); err != nil {
		logger.Error("mark sent failed", "email", item.ID.String(), "error", err)
		return
	}
	if err := p.store.MarkLeadContacted(ctx, item.LeadID); err != nil {
		logger.Warn("lead status update failed", "lead", item.LeadID.String(), "error", err)
	}
	p.sent.Add(1)
	logger.Info("email sent",
		"email", item.ID.String(), "mailbox", mailbox.Address,
		"recipient", item.LeadEmail, "message_id", result.MessageID)

	if p.bus != nil {
		p.bus.Publish(ctx, events.Event{
			Kind:     events.KindEmailSent,
			EntityID: item.ID,
			Detail:   map[string]string{"campaign": item.CampaignID.String()},
		})
	}
}

// fail records a temporary failure against the attempt budget.
func (p *Pool) fail(ctx context.Context, item store.DispatchItem, reason string) {
	retryAt := p.now().Add(backoffFor(item.Attempts))
	dead, err := p.store.RecordSendFailure(ctx, item.ID, reason, MaxSendAttempts, retryAt)
	if err != nil {
		logger.Error("record failure failed", "email", item.ID.String(), "error", err)
		return
	}
	if dead {
		p.failed.Add(1)
		logger.Error("email dead after max attempts",
			"email", item.ID.String(), "reason", reason)
		if p.bus != nil {
			p.bus.Publish(ctx, events.Event{
				Kind:     events.KindEmailFailed,
				EntityID: item.ID,
				Detail:   map[string]string{"reason": reason},
			})
		}
		return
	}
	logger.Warn("send failed, will retry",
		"email", item.ID.String(), "attempt", item.Attempts+1, "retry_at", retryAt, "reason", reason)
}

func (p *Pool) bounce(ctx context.Context, item store.DispatchItem, reason string) {
	if err := p.store.MarkEmailBounced(ctx, item.ID, item.LeadID, reason); err != nil {
		logger.Error("mark bounced failed", "email", item.ID.String(), "error", err)
		return
	}
	p.failed.Add(1)
	logger.Warn("delivery rejected permanently",
		"email", item.ID.String(), "recipient", item.LeadEmail, "reason", reason)
	if p.bus != nil {
		p.bus.Publish(ctx, events.Event{
			Kind:     events.KindEmailBounced,
			EntityID: item.ID,
			Detail:   map[string]string{"reason": reason},
		})
	}
}

// backoffFor maps the attempt count before this failure to a wait. A
// claim past the end of the schedule reuses the last entry.
func backoffFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(SendBackoff) {
		return SendBackoff[len(SendBackoff)-1]
	}
	return SendBackoff[attempts]
}

// nextMorning is the earliest send time tomorrow.
func (p *Pool) nextMorning() time.Time {
	now := p.now()
	return time.Date(now.Year(), now.Month(), now.Day(), p.morningHour, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// Stats reports lifetime counters for the ops API.
func (p *Pool) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}
