// Package scheduler turns campaign sequences into queued emails and
// spreads each day's sends across the business window.
package scheduler

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reachforge/outreach/internal/store"
)

// NextDueStep returns the template a lead is due to receive, given the
// campaign's ordered templates, the lead's send history, and when the
// campaign started. Returns nil when nothing is due:
//   - a step is already queued, sending, or terminally failed
//   - the step's delay has not elapsed
//   - the sequence is complete
//
// DelayDays counts calendar days from the previous step's sent_at, or
// from the campaign start for the first step: a 1-day delay sent Monday
// 16:59 is due any time Tuesday. A nil startedAt anchors the first step
// at now.
func NextDueStep(templates []*store.Template, history []store.SequenceRow, startedAt *time.Time, now time.Time) *store.Template {
	if len(templates) == 0 {
		return nil
	}

	ordered := make([]*store.Template, len(templates))
	copy(ordered, templates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepNumber < ordered[j].StepNumber })

	byTemplate := make(map[uuid.UUID]store.SequenceRow, len(history))
	for _, h := range history {
		byTemplate[h.TemplateID] = h
	}

	var prevSentAt *time.Time
	for i, step := range ordered {
		row, exists := byTemplate[step.ID]
		if !exists {
			// First unsent step. Its delay anchor is the previous step's
			// sent_at, or the campaign start for step one.
			anchor := prevSentAt
			if i == 0 {
				anchor = startedAt
				if anchor == nil {
					anchor = &now
				}
			}
			if anchor == nil {
				return nil
			}
			if !delayElapsed(*anchor, step.DelayDays, now) {
				return nil
			}
			return step
		}

		switch row.Status {
		case store.EmailSent:
			prevSentAt = row.SentAt
			continue
		case store.EmailFailed, store.EmailBounced:
			// A dead step halts the lead's sequence.
			return nil
		default:
			// Queued or in flight; nothing more to do for this lead.
			return nil
		}
	}
	return nil
}

// delayElapsed reports whether `days` calendar days have passed since
// sentAt, comparing dates rather than 24h spans.
func delayElapsed(sentAt time.Time, days int, now time.Time) bool {
	if days <= 0 {
		return true
	}
	due := time.Date(sentAt.Year(), sentAt.Month(), sentAt.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	nowDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return !nowDate.Before(due)
}
