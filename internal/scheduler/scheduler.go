package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// Window is the local-time span inside which sends are scheduled.
type Window struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// DefaultWindow is 09:00-17:00 UTC.
var DefaultWindow = Window{StartHour: 9, EndHour: 17, Location: time.UTC}

// Scheduler queues sequence steps and assigns send slots for the day.
type Scheduler struct {
	store  *store.Store
	bus    *events.Bus
	ramp   store.RampFunc
	window Window
	now    func() time.Time
	randFn func(int64) int64
}

// New creates a Scheduler. A nil ramp treats every mailbox as
// full-volume; pass the warmup ramp in production.
func New(st *store.Store, bus *events.Bus, ramp store.RampFunc, window Window) *Scheduler {
	if window.Location == nil {
		window.Location = time.UTC
	}
	if window.EndHour <= window.StartHour {
		window = DefaultWindow
	}
	if ramp == nil {
		ramp = func(day, base int) int { return base }
	}
	return &Scheduler{
		store:  st,
		bus:    bus,
		ramp:   ramp,
		window: window,
		now:    time.Now,
		randFn: rand.Int63n,
	}
}

// QueueCampaignEmails queues the next due sequence step for every
// contactable lead in the campaign. Safe to re-run at any time: the
// (lead, template) unique key turns repeats into no-ops. Returns the
// number of new rows queued.
func (s *Scheduler) QueueCampaignEmails(ctx context.Context, campaign *store.Campaign) (int, error) {
	if campaign.Status != store.CampaignActive {
		return 0, nil
	}

	templates, err := s.store.ListTemplates(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign %s: %w", campaign.ID, err)
	}
	if len(templates) == 0 {
		return 0, nil
	}

	leads, err := s.store.ListContactableLeads(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign %s: %w", campaign.ID, err)
	}
	history, err := s.store.ListSequenceState(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign %s: %w", campaign.ID, err)
	}

	now := s.now().UTC()
	queued := 0
	for _, lead := range leads {
		step := NextDueStep(templates, history[lead.ID], campaign.StartedAt, now)
		if step == nil {
			continue
		}
		created, err := s.store.CreateQueuedEmail(ctx, campaign.ID, lead.ID, campaign.MailboxID, step.ID)
		if err != nil {
			logger.Error("queue step failed",
				"campaign", campaign.ID.String(), "lead", lead.ID.String(), "error", err)
			continue
		}
		if !created {
			continue
		}
		queued++
		if s.bus != nil {
			s.bus.Publish(ctx, events.Event{
				Kind:     events.KindEmailQueued,
				EntityID: lead.ID,
				Detail:   map[string]string{"campaign": campaign.ID.String(), "step": fmt.Sprint(step.StepNumber)},
			})
		}
	}

	if queued > 0 {
		logger.Info("campaign emails queued",
			"campaign", campaign.ID.String(), "count", queued)
	}
	return queued, nil
}

// ScheduleEmailsForDay assigns send slots to the campaign's unscheduled
// queue, capped by the mailbox's remaining budget for today. The cap is
// min(dailyLimit - sentToday, backlog); slots are spread evenly across
// the business window with jitter so the mailbox never fires in bursts.
// Backlog beyond the cap stays unscheduled and is picked up on the next
// day's pass.
func (s *Scheduler) ScheduleEmailsForDay(ctx context.Context, campaign *store.Campaign) (int, error) {
	mailbox, err := s.store.GetMailbox(ctx, campaign.MailboxID)
	if err != nil {
		return 0, fmt.Errorf("campaign %s mailbox: %w", campaign.ID, err)
	}
	if !mailbox.Sendable() {
		return 0, nil
	}

	now := s.now().In(s.window.Location)
	limit := mailbox.CurrentDailyLimit(s.ramp)
	remaining := limit - mailbox.SentTodayOn(now)
	if remaining <= 0 {
		return 0, nil
	}

	ids, err := s.store.ListUnscheduled(ctx, campaign.ID, remaining)
	if err != nil {
		return 0, fmt.Errorf("campaign %s backlog: %w", campaign.ID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	slots := s.planSlots(now, len(ids))
	scheduled := 0
	for i, id := range ids {
		if err := s.store.AssignSchedule(ctx, id, slots[i]); err != nil {
			logger.Error("assign slot failed", "email", id.String(), "error", err)
			continue
		}
		scheduled++
	}

	logger.Info("send slots assigned",
		"campaign", campaign.ID.String(), "mailbox", mailbox.ID.String(),
		"scheduled", scheduled, "limit", limit, "remaining", remaining-scheduled)
	return scheduled, nil
}

// planSlots spreads n sends over what is left of today's window. Each
// send sits in its own even slice of the span with up to half a slice of
// jitter. When the window has already closed, slots land in tomorrow's
// window instead.
func (s *Scheduler) planSlots(now time.Time, n int) []time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), s.window.StartHour, 0, 0, 0, s.window.Location)
	end := time.Date(now.Year(), now.Month(), now.Day(), s.window.EndHour, 0, 0, 0, s.window.Location)

	if now.After(end) {
		start = start.AddDate(0, 0, 1)
		end = end.AddDate(0, 0, 1)
	} else if now.After(start) {
		start = now
	}

	span := end.Sub(start)
	slice := span / time.Duration(n)
	slots := make([]time.Time, n)
	for i := 0; i < n; i++ {
		jitter := time.Duration(0)
		if slice > time.Second {
			jitter = time.Duration(s.randFn(int64(slice / 2)))
		}
		slots[i] = start.Add(slice*time.Duration(i) + jitter)
	}
	return slots
}

// RunOnce queues and schedules one campaign, the unit of work guarded by
// the per-campaign lock in the Runner.
func (s *Scheduler) RunOnce(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if _, err := s.QueueCampaignEmails(ctx, campaign); err != nil {
		return err
	}
	_, err = s.ScheduleEmailsForDay(ctx, campaign)
	return err
}
