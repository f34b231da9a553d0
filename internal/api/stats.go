package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/httputil"
	"github.com/reachforge/outreach/internal/store"
)

// handleQueueStats reports send queue depth broken down by status.
//
//	GET /api/stats/queue
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.QueueDepth(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	pending, err := s.store.PendingDepth(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"by_status": depth,
		"pending":   pending,
	})
}

// handleResponseStats reports response counts by analysis status.
//
//	GET /api/stats/responses
func (s *Server) handleResponseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ResponseStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"by_analysis_status": stats})
}

// handleCampaignStats reports lead and send progress per campaign.
//
//	GET /api/stats/campaigns
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListCampaignStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaigns": stats})
}

// handleMailboxesStats reports the sending snapshot for every mailbox.
//
//	GET /api/stats/mailboxes
func (s *Server) handleMailboxesStats(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.store.ListMailboxes(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	now := time.Now()
	out := make([]MailboxStats, 0, len(mailboxes))
	for _, m := range mailboxes {
		out = append(out, MailboxStats{
			ID:         m.ID,
			Address:    m.Address,
			Status:     m.Status,
			WarmupDay:  m.WarmupDay,
			DailyLimit: m.CurrentDailyLimit(s.ramp),
			SentToday:  m.SentTodayOn(now),
			LastError:  m.LastError,
		})
	}
	httputil.OK(w, map[string]interface{}{"mailboxes": out})
}

// MailboxStats is the per-mailbox sending snapshot.
type MailboxStats struct {
	ID         uuid.UUID `json:"id"`
	Address    string    `json:"address"`
	Status     string    `json:"status"`
	WarmupDay  int       `json:"warmup_day"`
	DailyLimit int       `json:"daily_limit"`
	SentToday  int       `json:"sent_today"`
	LastError  string    `json:"last_error,omitempty"`
}

// handleMailboxStats reports warmup progress and today's send count
// for one mailbox.
//
//	GET /api/mailboxes/{id}/stats
func (s *Server) handleMailboxStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid mailbox id")
		return
	}

	m, err := s.store.GetMailbox(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, MailboxStats{
		ID:         m.ID,
		Address:    m.Address,
		Status:     m.Status,
		WarmupDay:  m.WarmupDay,
		DailyLimit: m.CurrentDailyLimit(s.ramp),
		SentToday:  m.SentTodayOn(time.Now()),
		LastError:  m.LastError,
	})
}

// handleCancelBatch marks a batch cancelled. Queued emails and pending
// analyses for the batch are skipped by the workers on their next
// cancellation check.
//
//	POST /api/batches/{id}/cancel
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid batch id")
		return
	}

	if err := s.store.CancelBatch(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(r.Context(), events.Event{
			Kind:     events.KindBatchCancelled,
			EntityID: id,
			At:       time.Now(),
		})
	}

	httputil.OK(w, map[string]interface{}{"cancelled": true, "batch_id": id})
}
