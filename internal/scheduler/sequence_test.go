package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/reachforge/outreach/internal/store"
)

func seqTemplates() []*store.Template {
	return []*store.Template{
		{ID: uuid.New(), StepNumber: 1, DelayDays: 0},
		{ID: uuid.New(), StepNumber: 2, DelayDays: 3},
		{ID: uuid.New(), StepNumber: 3, DelayDays: 5},
	}
}

func sentRow(templateID uuid.UUID, step int, sentAt time.Time) store.SequenceRow {
	return store.SequenceRow{
		TemplateID: templateID,
		StepNumber: step,
		Status:     store.EmailSent,
		SentAt:     &sentAt,
	}
}

func TestNextDueStep(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	started := now.AddDate(0, 0, -30)
	tmpls := seqTemplates()

	t.Run("fresh lead gets step one", func(t *testing.T) {
		got := NextDueStep(tmpls, nil, &started, now)
		assert.Equal(t, tmpls[0].ID, got.ID)
	})

	t.Run("step one waits out its delay from campaign start", func(t *testing.T) {
		delayed := []*store.Template{
			{ID: uuid.New(), StepNumber: 1, DelayDays: 3},
		}
		justStarted := now
		assert.Nil(t, NextDueStep(delayed, nil, &justStarted, now))
	})

	t.Run("step one due once its delay from start passes", func(t *testing.T) {
		delayed := []*store.Template{
			{ID: uuid.New(), StepNumber: 1, DelayDays: 3},
		}
		startedEarlier := now.AddDate(0, 0, -3)
		got := NextDueStep(delayed, nil, &startedEarlier, now)
		assert.Equal(t, delayed[0].ID, got.ID)
	})

	t.Run("nil start anchors step one at now", func(t *testing.T) {
		delayed := []*store.Template{
			{ID: uuid.New(), StepNumber: 1, DelayDays: 3},
		}
		assert.Nil(t, NextDueStep(delayed, nil, nil, now))

		got := NextDueStep(tmpls, nil, nil, now)
		assert.Equal(t, tmpls[0].ID, got.ID)
	})

	t.Run("step two waits out the delay", func(t *testing.T) {
		history := []store.SequenceRow{
			sentRow(tmpls[0].ID, 1, now.AddDate(0, 0, -2)),
		}
		assert.Nil(t, NextDueStep(tmpls, history, &started, now))
	})

	t.Run("step two due after delay", func(t *testing.T) {
		history := []store.SequenceRow{
			sentRow(tmpls[0].ID, 1, now.AddDate(0, 0, -3)),
		}
		got := NextDueStep(tmpls, history, &started, now)
		assert.Equal(t, tmpls[1].ID, got.ID)
	})

	t.Run("delay counts calendar days not 24h spans", func(t *testing.T) {
		// Sent late on the 7th with a 3-day delay: due any time on the
		// 10th, even before the send's clock time.
		lateSend := time.Date(2026, 4, 7, 16, 59, 0, 0, time.UTC)
		early := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
		history := []store.SequenceRow{sentRow(tmpls[0].ID, 1, lateSend)}
		got := NextDueStep(tmpls, history, &started, early)
		assert.Equal(t, tmpls[1].ID, got.ID)
	})

	t.Run("in-flight step blocks the sequence", func(t *testing.T) {
		history := []store.SequenceRow{
			{TemplateID: tmpls[0].ID, StepNumber: 1, Status: store.EmailQueued},
		}
		assert.Nil(t, NextDueStep(tmpls, history, &started, now))
	})

	t.Run("failed step halts the sequence", func(t *testing.T) {
		history := []store.SequenceRow{
			{TemplateID: tmpls[0].ID, StepNumber: 1, Status: store.EmailFailed},
		}
		assert.Nil(t, NextDueStep(tmpls, history, &started, now))
	})

	t.Run("completed sequence yields nothing", func(t *testing.T) {
		history := []store.SequenceRow{
			sentRow(tmpls[0].ID, 1, now.AddDate(0, 0, -20)),
			sentRow(tmpls[1].ID, 2, now.AddDate(0, 0, -15)),
			sentRow(tmpls[2].ID, 3, now.AddDate(0, 0, -9)),
		}
		assert.Nil(t, NextDueStep(tmpls, history, &started, now))
	})

	t.Run("unsorted template input is handled", func(t *testing.T) {
		shuffled := []*store.Template{tmpls[2], tmpls[0], tmpls[1]}
		got := NextDueStep(shuffled, nil, &started, now)
		assert.Equal(t, tmpls[0].ID, got.ID)
	})
}
