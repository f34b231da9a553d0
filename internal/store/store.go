package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLimitReached is returned by IncrementSentToday when the mailbox has
// already sent its daily quota.
var ErrLimitReached = errors.New("store: mailbox daily limit reached")

// Store is the persistence layer for the send engine. All coordination
// between workers goes through row state here; nothing is cached across
// scheduling passes.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for components that need their own
// statements (advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

const mailboxColumns = `
	id, address, COALESCE(display_name, ''), provider,
	smtp_host, smtp_port, smtp_username, smtp_password,
	imap_host, imap_port, imap_username, imap_password,
	status, warmup_enabled, warmup_day, warmup_advanced_on,
	base_daily_limit, sent_today, sent_today_date, last_seen_uid,
	COALESCE(last_error, '')`

func scanMailbox(row interface{ Scan(...interface{}) error }) (*Mailbox, error) {
	m := &Mailbox{}
	var advancedOn sql.NullTime
	err := row.Scan(
		&m.ID, &m.Address, &m.DisplayName, &m.Provider,
		&m.SMTPHost, &m.SMTPPort, &m.SMTPUsername, &m.SMTPPassword,
		&m.IMAPHost, &m.IMAPPort, &m.IMAPUsername, &m.IMAPPassword,
		&m.Status, &m.WarmupEnabled, &m.WarmupDay, &advancedOn,
		&m.BaseDailyLimit, &m.SentToday, &m.SentTodayDate, &m.LastSeenUID,
		&m.LastError,
	)
	if err != nil {
		return nil, err
	}
	if advancedOn.Valid {
		m.WarmupAdvancedOn = &advancedOn.Time
	}
	return m, nil
}

// GetMailbox loads a mailbox by ID. Callers that enforce limits must load
// fresh rather than reuse a row from an earlier pass.
func (s *Store) GetMailbox(ctx context.Context, id uuid.UUID) (*Mailbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id)
	m, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return m, nil
}

// ListPollableMailboxes returns mailboxes eligible for inbound polling.
func (s *Store) ListPollableMailboxes(ctx context.Context) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailboxColumns+`
		FROM mailboxes
		WHERE status IN ('active', 'warmup') AND imap_host != ''
		ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("list pollable mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListWarmupDueMailboxes returns warming mailboxes that have not been
// advanced on the given day yet.
func (s *Store) ListWarmupDueMailboxes(ctx context.Context, day time.Time) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailboxColumns+`
		FROM mailboxes
		WHERE warmup_enabled = true
		  AND status IN ('active', 'warmup')
		  AND (warmup_advanced_on IS NULL OR warmup_advanced_on < $1::date)
		ORDER BY address
	`, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("list warmup-due mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AdvanceMailboxWarmup persists a warmup step for one mailbox. The date
// guard in the predicate makes the advance at-most-once per calendar day
// even if two advancers race. Returns false when another advancer won.
func (s *Store) AdvanceMailboxWarmup(ctx context.Context, id uuid.UUID, day time.Time, newDay int, graduate bool) (bool, error) {
	var res sql.Result
	var err error
	if graduate {
		res, err = s.db.ExecContext(ctx, `
			UPDATE mailboxes
			SET warmup_day = $2, warmup_advanced_on = $3::date,
			    warmup_enabled = false, status = 'active', updated_at = NOW()
			WHERE id = $1 AND warmup_enabled = true
			  AND (warmup_advanced_on IS NULL OR warmup_advanced_on < $3::date)
		`, id, newDay, day.Format("2006-01-02"))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE mailboxes
			SET warmup_day = $2, warmup_advanced_on = $3::date, updated_at = NOW()
			WHERE id = $1 AND warmup_enabled = true
			  AND (warmup_advanced_on IS NULL OR warmup_advanced_on < $3::date)
		`, id, newDay, day.Format("2006-01-02"))
	}
	if err != nil {
		return false, fmt.Errorf("advance warmup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetDailyCounters zeroes sent_today on mailboxes whose counter belongs
// to a previous day. IncrementSentToday also guards by date, so this is a
// tidiness pass rather than a correctness requirement.
func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET sent_today = 0, sent_today_date = CURRENT_DATE, updated_at = NOW()
		WHERE sent_today_date < CURRENT_DATE
	`)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

// IncrementSentToday atomically increments the mailbox's daily counter if
// and only if it is still under the given limit. Two concurrent dispatches
// cannot both pass the check: the increment and the comparison are one
// statement. Returns ErrLimitReached when the quota is exhausted.
func (s *Store) IncrementSentToday(ctx context.Context, id uuid.UUID, limit int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET sent_today = CASE WHEN sent_today_date = CURRENT_DATE THEN sent_today + 1 ELSE 1 END,
		    sent_today_date = CURRENT_DATE,
		    updated_at = NOW()
		WHERE id = $1
		  AND (CASE WHEN sent_today_date = CURRENT_DATE THEN sent_today ELSE 0 END) < $2
	`, id, limit)
	if err != nil {
		return fmt.Errorf("increment sent_today: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLimitReached
	}
	return nil
}

// SetMailboxError moves a mailbox to error status and records the reason.
// Only explicit operator action (out of scope here) moves it back out.
func (s *Store) SetMailboxError(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET status = 'error', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("set mailbox error: %w", err)
	}
	return nil
}

// UpdatePollCheckpoint advances the mailbox's inbound checkpoint. Called
// only after a whole poll batch has been processed.
func (s *Store) UpdatePollCheckpoint(ctx context.Context, id uuid.UUID, uid int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes SET last_seen_uid = $2, updated_at = NOW()
		WHERE id = $1 AND last_seen_uid < $2
	`, id, uid)
	if err != nil {
		return fmt.Errorf("update poll checkpoint: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c := &Campaign{}
	var startedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mailbox_id, name, status, started_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.MailboxID, &c.Name, &c.Status, &startedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	return c, nil
}

// ListActiveCampaigns returns campaigns eligible for scheduling.
func (s *Store) ListActiveCampaigns(ctx context.Context) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mailbox_id, name, status, started_at
		FROM campaigns WHERE status = 'active'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c := &Campaign{}
		var startedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.MailboxID, &c.Name, &c.Status, &startedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if startedAt.Valid {
			c.StartedAt = &startedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMailboxes returns every mailbox, for the ops API.
func (s *Store) ListMailboxes(ctx context.Context) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CampaignStats summarizes a campaign's progress for the ops API.
type CampaignStats struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Leads     int64     `json:"leads"`
	Contacted int64     `json:"contacted"`
	Responded int64     `json:"responded"`
	Queued    int64     `json:"queued"`
	Sent      int64     `json:"sent"`
	Failed    int64     `json:"failed"`
}

// ListCampaignStats aggregates lead and send counts per non-archived
// campaign.
func (s *Store) ListCampaignStats(ctx context.Context) ([]CampaignStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.status,
		       COUNT(DISTINCT l.id),
		       COUNT(DISTINCT l.id) FILTER (WHERE l.status = 'contacted'),
		       COUNT(DISTINCT l.id) FILTER (WHERE l.status = 'responded'),
		       COUNT(DISTINCT se.id) FILTER (WHERE se.status = 'queued'),
		       COUNT(DISTINCT se.id) FILTER (WHERE se.status = 'sent'),
		       COUNT(DISTINCT se.id) FILTER (WHERE se.status IN ('failed', 'bounced'))
		FROM campaigns c
		LEFT JOIN leads l ON l.campaign_id = c.id
		LEFT JOIN sent_emails se ON se.campaign_id = c.id
		WHERE c.status <> 'archived'
		GROUP BY c.id, c.name, c.status
		ORDER BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	var out []CampaignStats
	for rows.Next() {
		var cs CampaignStats
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.Status, &cs.Leads,
			&cs.Contacted, &cs.Responded, &cs.Queued, &cs.Sent, &cs.Failed); err != nil {
			return nil, fmt.Errorf("scan campaign stats: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ListTemplates returns a campaign's templates in sequence order.
func (s *Store) ListTemplates(ctx context.Context, campaignID uuid.UUID) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, step_number, subject, body, delay_days
		FROM campaign_templates
		WHERE campaign_id = $1
		ORDER BY step_number
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t := &Template{}
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.StepNumber, &t.Subject, &t.Body, &t.DelayDays); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListContactableLeads returns leads that may still receive sequence steps.
func (s *Store) ListContactableLeads(ctx context.Context, campaignID uuid.UUID) ([]*Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, email, COALESCE(name, ''), status
		FROM leads
		WHERE campaign_id = $1 AND status IN ('pending', 'contacted')
		ORDER BY created_at
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list contactable leads: %w", err)
	}
	defer rows.Close()

	var out []*Lead
	for rows.Next() {
		l := &Lead{}
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.Email, &l.Name, &l.Status); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateLeadStatus moves a lead to the given status.
func (s *Store) UpdateLeadStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE leads SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	return nil
}

// MarkLeadContacted advances a pending lead to contacted. Leads already
// past contacted (responded, bounced) are left alone.
func (s *Store) MarkLeadContacted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status = 'contacted' WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("mark lead contacted: %w", err)
	}
	return nil
}

// BatchCancelled reports whether the given batch has been cancelled by an
// operator. The nil batch (uuid.Nil) is never cancelled.
func (s *Store) BatchCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancelled FROM batches WHERE id = $1`, id).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check batch: %w", err)
	}
	return cancelled, nil
}

// CancelBatch marks a batch cancelled. Tasks check it before side effects.
func (s *Store) CancelBatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET cancelled = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return nil
}

// WriteAudit records an informational audit entry. Callers treat the
// error as log-and-continue.
func (s *Store) WriteAudit(ctx context.Context, kind, entityID, detailJSON string) error {
	if detailJSON == "" {
		detailJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_kind, entity_id, detail) VALUES ($1, $2, $3)
	`, kind, entityID, detailJSON)
	return err
}
