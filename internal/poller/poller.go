package poller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/distlock"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// ClientFactory builds an inbound client for a mailbox. Tests inject
// fakes; production wires NewIMAPClient.
type ClientFactory func(m *store.Mailbox) InboundClient

// LockFactory builds a named distributed lock.
type LockFactory func(key string, ttl time.Duration) distlock.Lock

// Poller sweeps every pollable mailbox for new replies. Each mailbox is
// guarded by its own distributed lock, and its UID checkpoint only moves
// after a batch lands completely, so a crash mid-batch re-reads rather
// than drops messages. The Message-ID unique key absorbs the re-reads.
type Poller struct {
	store    *store.Store
	bus      *events.Bus
	clients  ClientFactory
	locks    LockFactory
	detector *AutoReplyDetector
	interval time.Duration
}

// New creates a Poller. A zero interval polls every two minutes.
func New(st *store.Store, bus *events.Bus, clients ClientFactory, locks LockFactory, detector *AutoReplyDetector, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if detector == nil {
		detector = &AutoReplyDetector{}
	}
	return &Poller{
		store:    st,
		bus:      bus,
		clients:  clients,
		locks:    locks,
		detector: detector,
		interval: interval,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	logger.Info("reply poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("reply poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	mailboxes, err := p.store.ListPollableMailboxes(ctx)
	if err != nil {
		logger.Error("list pollable mailboxes failed", "error", err)
		return
	}

	for _, m := range mailboxes {
		if ctx.Err() != nil {
			return
		}
		lock := p.locks("poll:mailbox:"+m.ID.String(), 5*time.Minute)
		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			logger.Warn("poll lock acquire failed", "mailbox", m.ID.String(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := p.PollMailbox(ctx, m); err != nil {
			logger.Error("mailbox poll failed",
				"mailbox", m.ID.String(), "address", m.Address, "error", err)
		}
		lock.Release(ctx)
	}
}

// PollMailbox fetches and records replies for one mailbox. Connection
// and auth failures park the mailbox in error status so operators see it
// and the sweep stops burning connections on it.
func (p *Poller) PollMailbox(ctx context.Context, m *store.Mailbox) error {
	client := p.clients(m)
	defer client.Close()

	msgs, err := client.FetchSince(ctx, m.LastSeenUID)
	if err != nil {
		if isAccessError(err) {
			if serr := p.store.SetMailboxError(ctx, m.ID, err.Error()); serr != nil {
				logger.Error("mailbox error flag failed", "mailbox", m.ID.String(), "error", serr)
			}
		}
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	maxUID := m.LastSeenUID
	for i := range msgs {
		msg := &msgs[i]
		if err := p.record(ctx, m, msg); err != nil {
			// Checkpoint stays put: the whole batch is re-read next
			// sweep and dedupe keeps repeats harmless.
			return err
		}
		if msg.UID > maxUID {
			maxUID = msg.UID
		}
	}

	if maxUID > m.LastSeenUID {
		if err := p.store.UpdatePollCheckpoint(ctx, m.ID, maxUID); err != nil {
			return err
		}
	}
	logger.Info("mailbox polled",
		"mailbox", m.Address, "messages", len(msgs), "checkpoint", maxUID)
	return nil
}

// record stores one inbound message as a response, if it threads back to
// anything we sent. Unmatched inbox traffic is skipped, not an error.
func (p *Poller) record(ctx context.Context, m *store.Mailbox, msg *InboundMessage) error {
	if msg.MessageID == "" {
		logger.Debug("inbound without message-id skipped", "uid", msg.UID)
		return nil
	}
	seen, err := p.store.ResponseExists(ctx, m.ID, msg.MessageID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	match, err := p.match(ctx, m, msg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("inbound did not match any send",
				"mailbox", m.Address, "uid", msg.UID)
			return nil
		}
		return err
	}

	isAuto := p.detector.Detect(msg)
	resp := &store.Response{
		SentEmailID:    match.SentEmailID,
		LeadID:         match.LeadID,
		MailboxID:      m.ID,
		BatchID:        match.BatchID,
		MessageUID:     msg.UID,
		MessageID:      msg.MessageID,
		Subject:        msg.Subject,
		Body:           msg.Body,
		ReceivedAt:     receivedAt(msg),
		IsAutoReply:    isAuto,
		AnalysisStatus: store.AnalysisPending,
	}
	if isAuto {
		resp.AnalysisStatus = store.AnalysisSkipped
	}

	created, err := p.store.CreateResponse(ctx, resp)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if !isAuto {
		if err := p.store.MarkLeadResponded(ctx, match.LeadID); err != nil {
			logger.Warn("lead responded update failed", "lead", match.LeadID.String(), "error", err)
		}
	}

	logger.Info("reply recorded",
		"mailbox", m.Address, "lead", match.LeadID.String(),
		"auto_reply", isAuto, "uid", msg.UID)
	if p.bus != nil {
		p.bus.Publish(ctx, events.Event{
			Kind:     events.KindReplyReceived,
			EntityID: resp.ID,
			Detail:   map[string]string{"auto_reply": boolString(isAuto)},
		})
	}
	return nil
}

// match resolves a reply to its originating send: Message-ID threading
// first, then the sender+subject fallback for clients that strip
// References.
func (p *Poller) match(ctx context.Context, m *store.Mailbox, msg *InboundMessage) (*store.ThreadMatch, error) {
	if ids := msg.ThreadIDs(); len(ids) > 0 {
		match, err := p.store.FindSentEmailByMessageIDs(ctx, m.ID, ids)
		if err == nil {
			return match, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if msg.From == "" || msg.Subject == "" {
		return nil, store.ErrNotFound
	}
	return p.store.FindSentEmailByParticipant(ctx, m.ID, msg.From, msg.Subject)
}

func receivedAt(msg *InboundMessage) time.Time {
	if !msg.Date.IsZero() {
		return msg.Date.UTC()
	}
	return time.Now().UTC()
}

// isAccessError picks out failures that mean the mailbox itself is
// broken (auth, connection) rather than a transient fetch problem.
func isAccessError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "login") ||
		strings.Contains(s, "authent") ||
		strings.Contains(s, "dial") ||
		strings.Contains(s, "handshake")
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
