package events

import (
	"context"
	"encoding/json"

	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// AttachAudit subscribes an audit-trail writer to every event on the bus.
// Audit writes are best effort: a failed insert logs and moves on.
func AttachAudit(bus *Bus, st *store.Store) {
	bus.SubscribeAll(func(ctx context.Context, ev Event) {
		detail := "{}"
		if len(ev.Detail) > 0 {
			if b, err := json.Marshal(ev.Detail); err == nil {
				detail = string(b)
			}
		}
		if err := st.WriteAudit(ctx, string(ev.Kind), ev.EntityID.String(), detail); err != nil {
			logger.Warn("audit write failed", "kind", string(ev.Kind), "error", err)
		}
	})
}
