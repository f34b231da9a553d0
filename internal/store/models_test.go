package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func cappedLinear(day, base int) int {
	limit := 10 + 15*day
	if limit > base {
		return base
	}
	return limit
}

func TestCurrentDailyLimit(t *testing.T) {
	tests := []struct {
		name    string
		mailbox Mailbox
		want    int
	}{
		{
			name:    "day zero starts at ramp floor",
			mailbox: Mailbox{WarmupEnabled: true, WarmupDay: 0, BaseDailyLimit: 100},
			want:    10,
		},
		{
			name:    "mid ramp",
			mailbox: Mailbox{WarmupEnabled: true, WarmupDay: 3, BaseDailyLimit: 100},
			want:    55,
		},
		{
			name:    "ramp capped at base",
			mailbox: Mailbox{WarmupEnabled: true, WarmupDay: 7, BaseDailyLimit: 100},
			want:    100,
		},
		{
			name:    "warmup disabled uses base",
			mailbox: Mailbox{WarmupEnabled: false, WarmupDay: 2, BaseDailyLimit: 100},
			want:    100,
		},
		{
			name:    "negative day clamps to zero",
			mailbox: Mailbox{WarmupEnabled: true, WarmupDay: -1, BaseDailyLimit: 100},
			want:    10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mailbox.CurrentDailyLimit(cappedLinear))
		})
	}
}

func TestSentTodayOn(t *testing.T) {
	today := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	m := Mailbox{SentToday: 42, SentTodayDate: today}
	assert.Equal(t, 42, m.SentTodayOn(today))

	// A stale counter from a previous day reads as zero.
	m.SentTodayDate = today.AddDate(0, 0, -1)
	assert.Equal(t, 0, m.SentTodayOn(today))
}

func TestSendable(t *testing.T) {
	assert.True(t, (&Mailbox{Status: MailboxActive}).Sendable())
	assert.True(t, (&Mailbox{Status: MailboxWarmup}).Sendable())
	assert.False(t, (&Mailbox{Status: MailboxPaused}).Sendable())
	assert.False(t, (&Mailbox{Status: MailboxError}).Sendable())
}

func TestNeedsAnalysis(t *testing.T) {
	assert.True(t, (&Response{AnalysisStatus: AnalysisPending}).NeedsAnalysis())
	assert.False(t, (&Response{AnalysisStatus: AnalysisPending, IsAutoReply: true}).NeedsAnalysis())
	assert.False(t, (&Response{AnalysisStatus: AnalysisAnalyzed}).NeedsAnalysis())
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Quick question", "Quick question"},
		{"RE: re: Quick question", "Quick question"},
		{"Fwd: Re: Quick question", "Quick question"},
		{"FW: pricing", "pricing"},
		{"  Quick question  ", "Quick question"},
		{"Regarding your offer", "Regarding your offer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSubject(tt.in), "input %q", tt.in)
	}
}
