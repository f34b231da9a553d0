package store

import (
	"time"

	"github.com/google/uuid"
)

// Mailbox statuses.
const (
	MailboxWarmup = "warmup"
	MailboxActive = "active"
	MailboxPaused = "paused"
	MailboxError  = "error"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignArchived  = "archived"
)

// Lead statuses.
const (
	LeadPending   = "pending"
	LeadContacted = "contacted"
	LeadResponded = "responded"
	LeadBounced   = "bounced"
)

// SentEmail statuses.
const (
	EmailQueued  = "queued"
	EmailSending = "sending"
	EmailSent    = "sent"
	EmailFailed  = "failed"
	EmailBounced = "bounced"
)

// Response analysis statuses.
const (
	AnalysisPending   = "pending"
	AnalysisAnalyzing = "analyzing"
	AnalysisAnalyzed  = "analyzed"
	AnalysisFailed    = "failed"
	AnalysisSkipped   = "skipped"
)

// Mailbox is a sending/receiving account. Credentials are opaque to the
// engine; the transports read them.
type Mailbox struct {
	ID          uuid.UUID
	Address     string
	DisplayName string
	Provider    string // "smtp" or "ses"

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string

	Status           string
	WarmupEnabled    bool
	WarmupDay        int
	WarmupAdvancedOn *time.Time
	BaseDailyLimit   int
	SentToday        int
	SentTodayDate    time.Time
	LastSeenUID      int64
	LastError        string
}

// RampFunc maps a warmup day to a planned daily volume for a mailbox with
// the given base limit. Implementations must be monotonic in day.
type RampFunc func(day, base int) int

// CurrentDailyLimit returns the mailbox's effective daily send ceiling.
// It is a pure function of (WarmupEnabled, WarmupDay, BaseDailyLimit):
// once warmup is disabled the limit is always the base limit.
func (m *Mailbox) CurrentDailyLimit(ramp RampFunc) int {
	if !m.WarmupEnabled {
		return m.BaseDailyLimit
	}
	day := m.WarmupDay
	if day < 0 {
		day = 0
	}
	v := ramp(day, m.BaseDailyLimit)
	if v > m.BaseDailyLimit {
		v = m.BaseDailyLimit
	}
	if v < 0 {
		v = 0
	}
	return v
}

// SentTodayOn returns the sent counter as of the given day, treating a
// stale counter (from a previous day) as zero.
func (m *Mailbox) SentTodayOn(day time.Time) int {
	if !sameDate(m.SentTodayDate, day) {
		return 0
	}
	return m.SentToday
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Sendable reports whether dispatch and scheduling may use this mailbox.
func (m *Mailbox) Sendable() bool {
	return m.Status == MailboxActive || m.Status == MailboxWarmup
}

// Campaign ties a mailbox to leads and an ordered template sequence.
type Campaign struct {
	ID        uuid.UUID
	MailboxID uuid.UUID
	Name      string
	Status    string
	StartedAt *time.Time
}

// Template is one step in a campaign's message sequence. DelayDays is the
// wait after the prior step's sent_at (or campaign start for step 1).
type Template struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	StepNumber int
	Subject    string
	Body       string
	DelayDays  int
}

// Lead is a recipient within a campaign.
type Lead struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Email      string
	Name       string
	Status     string
}

// SentEmail is a scheduled-or-sent unit of work. Exactly one row exists
// per (lead, template) pair.
type SentEmail struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	LeadID        uuid.UUID
	MailboxID     uuid.UUID
	TemplateID    uuid.UUID
	BatchID       uuid.UUID // uuid.Nil when the email belongs to no batch
	Status        string
	ScheduledAt   *time.Time
	SentAt        *time.Time
	Attempts      int
	NextAttemptAt *time.Time
	MessageID     string
	ErrorMessage  string
}

// Response is an inbound message correlated to a SentEmail.
type Response struct {
	ID          uuid.UUID
	SentEmailID uuid.UUID
	LeadID      uuid.UUID
	MailboxID   uuid.UUID
	BatchID     uuid.UUID

	MessageUID int64
	MessageID  string
	Subject    string
	Body       string
	ReceivedAt time.Time

	IsAutoReply  bool
	ReviewStatus string

	AnalysisStatus   string
	AnalysisAttempts int
	AnalysisError    string
	InterestLevel    string
	Summary          string
	Quotes           string
}

// NeedsAnalysis reports whether the response should enter the analysis
// pipeline: not an auto-reply and not yet classified.
func (r *Response) NeedsAnalysis() bool {
	return !r.IsAutoReply && r.AnalysisStatus == AnalysisPending
}
