// Package events is an in-process pub/sub bus used to decouple the
// pipeline stages. Events are wake-up signals and audit fodder only; the
// database is the durable queue, so a dropped event never loses work.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reachforge/outreach/internal/pkg/logger"
)

// Kind identifies an event type.
type Kind string

const (
	KindEmailQueued     Kind = "email.queued"
	KindEmailSent       Kind = "email.sent"
	KindEmailFailed     Kind = "email.failed"
	KindEmailBounced    Kind = "email.bounced"
	KindReplyReceived   Kind = "reply.received"
	KindReplyAnalyzed   Kind = "reply.analyzed"
	KindWarmupAdvanced  Kind = "warmup.advanced"
	KindWarmupGraduated Kind = "warmup.graduated"
	KindBatchCancelled  Kind = "batch.cancelled"
)

// Event is a single pipeline occurrence.
type Event struct {
	Kind     Kind
	EntityID uuid.UUID
	At       time.Time
	Detail   map[string]string
}

// Handler consumes events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to subscribers by kind. A panicking handler is
// recovered and logged so one bad subscriber cannot take down the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]Handler
	all  []Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// SubscribeAll registers a handler for every event, used by the audit
// trail.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to matching subscribers. Missing timestamps
// are filled in.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind])+len(b.all))
	handlers = append(handlers, b.subs[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic", "kind", string(ev.Kind), "panic", r)
		}
	}()
	h(ctx, ev)
}
