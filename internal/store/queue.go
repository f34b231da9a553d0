package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SequenceRow is one (lead, template) send recorded for a campaign, used
// by the scheduler to work out each lead's position in the sequence.
type SequenceRow struct {
	LeadID     uuid.UUID
	TemplateID uuid.UUID
	StepNumber int
	Status     string
	SentAt     *time.Time
}

// ListSequenceState returns every SentEmail row for the campaign keyed by
// lead, regardless of status. One query feeds the whole scheduling pass.
func (s *Store) ListSequenceState(ctx context.Context, campaignID uuid.UUID) (map[uuid.UUID][]SequenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT se.lead_id, se.template_id, t.step_number, se.status, se.sent_at
		FROM sent_emails se
		JOIN campaign_templates t ON t.id = se.template_id
		WHERE se.campaign_id = $1
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list sequence state: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]SequenceRow)
	for rows.Next() {
		var r SequenceRow
		var sentAt sql.NullTime
		if err := rows.Scan(&r.LeadID, &r.TemplateID, &r.StepNumber, &r.Status, &sentAt); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		if sentAt.Valid {
			r.SentAt = &sentAt.Time
		}
		out[r.LeadID] = append(out[r.LeadID], r)
	}
	return out, rows.Err()
}

// CreateQueuedEmail inserts a queued SentEmail for a (lead, template)
// pair. The unique key on (lead_id, template_id) plus ON CONFLICT DO
// NOTHING makes scheduling idempotent: re-running can never create a
// duplicate. Returns true when a new row was created.
func (s *Store) CreateQueuedEmail(ctx context.Context, campaignID, leadID, mailboxID, templateID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_emails (id, campaign_id, lead_id, mailbox_id, template_id, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		ON CONFLICT (lead_id, template_id) DO NOTHING
	`, uuid.New(), campaignID, leadID, mailboxID, templateID)
	if err != nil {
		return false, fmt.Errorf("create queued email: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListUnscheduled returns queued SentEmails for a campaign that have no
// scheduled_at yet, oldest first, up to limit.
func (s *Store) ListUnscheduled(ctx context.Context, campaignID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sent_emails
		WHERE campaign_id = $1 AND status = 'queued' AND scheduled_at IS NULL
		ORDER BY created_at
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unscheduled id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AssignSchedule stamps a queued SentEmail with its send slot for today.
func (s *Store) AssignSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails SET scheduled_at = $2
		WHERE id = $1 AND status = 'queued' AND scheduled_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("assign schedule: %w", err)
	}
	return nil
}

// DispatchItem is a claimed SentEmail joined with everything a worker
// needs to send it.
type DispatchItem struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	LeadID     uuid.UUID
	MailboxID  uuid.UUID
	TemplateID uuid.UUID
	BatchID    uuid.UUID
	Attempts   int

	LeadEmail   string
	LeadName    string
	Subject     string
	Body        string
	FromAddress string
	FromName    string
}

// ClaimDue atomically claims up to limit due SentEmails for this worker,
// transitioning queued -> sending. FOR UPDATE SKIP LOCKED means two
// workers can never claim the same row; a row delivered twice by the
// surrounding queue loses the compare-and-set here and becomes a no-op.
// The predicate re-checks campaign and mailbox state and skips cancelled
// batches, so a campaign paused mid-day simply stops being picked up.
func (s *Store) ClaimDue(ctx context.Context, workerID string, limit int) ([]DispatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE sent_emails
			SET status = 'sending', worker_id = $1, claimed_at = NOW()
			WHERE id IN (
				SELECT se.id
				FROM sent_emails se
				JOIN campaigns c ON c.id = se.campaign_id
				JOIN mailboxes m ON m.id = se.mailbox_id
				LEFT JOIN batches b ON b.id = se.batch_id
				WHERE se.status = 'queued'
				  AND se.scheduled_at IS NOT NULL
				  AND se.scheduled_at <= NOW()
				  AND (se.next_attempt_at IS NULL OR se.next_attempt_at <= NOW())
				  AND c.status = 'active'
				  AND m.status IN ('active', 'warmup')
				  AND COALESCE(b.cancelled, false) = false
				ORDER BY se.scheduled_at
				LIMIT $2
				FOR UPDATE OF se SKIP LOCKED
			)
			RETURNING id, campaign_id, lead_id, mailbox_id, template_id, batch_id, attempts
		)
		SELECT cl.id, cl.campaign_id, cl.lead_id, cl.mailbox_id, cl.template_id,
		       COALESCE(cl.batch_id, '00000000-0000-0000-0000-000000000000'::uuid), cl.attempts,
		       l.email, COALESCE(l.name, ''), t.subject, t.body,
		       m.address, COALESCE(m.display_name, '')
		FROM claimed cl
		JOIN leads l ON l.id = cl.lead_id
		JOIN campaign_templates t ON t.id = cl.template_id
		JOIN mailboxes m ON m.id = cl.mailbox_id
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due emails: %w", err)
	}
	defer rows.Close()

	var items []DispatchItem
	for rows.Next() {
		var it DispatchItem
		if err := rows.Scan(
			&it.ID, &it.CampaignID, &it.LeadID, &it.MailboxID, &it.TemplateID,
			&it.BatchID, &it.Attempts,
			&it.LeadEmail, &it.LeadName, &it.Subject, &it.Body,
			&it.FromAddress, &it.FromName,
		); err != nil {
			return nil, fmt.Errorf("scan dispatch item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkEmailSent finalizes a successful send.
func (s *Store) MarkEmailSent(ctx context.Context, id uuid.UUID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'sent', message_id = $2, sent_at = NOW(),
		    worker_id = NULL, claimed_at = NULL, error_message = NULL
		WHERE id = $1 AND status = 'sending'
	`, id, messageID)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

// ReleaseEmail returns a claimed SentEmail to the queue untouched, with an
// optional earliest retry time. Used for deferrals (rate budget or daily
// limit exhausted) and cancelled batches; the attempt counter is not
// consumed.
func (s *Store) ReleaseEmail(ctx context.Context, id uuid.UUID, nextAttempt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, next_attempt_at = $2
		WHERE id = $1 AND status = 'sending'
	`, id, nextAttempt)
	if err != nil {
		return fmt.Errorf("release email: %w", err)
	}
	return nil
}

// RecordSendFailure increments the attempt counter and either requeues the
// email with the given backoff or, at the attempt ceiling, marks it failed
// with the error recorded. Every retry path funnels through here, so no
// task is ever lost silently. Returns true when the email was terminally
// failed.
func (s *Store) RecordSendFailure(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int, retryAt time.Time) (bool, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sent_emails
		SET attempts = attempts + 1, error_message = $2
		WHERE id = $1
		RETURNING attempts
	`, id, errMsg).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("record send failure: %w", err)
	}

	if attempts >= maxAttempts {
		_, err = s.db.ExecContext(ctx, `
			UPDATE sent_emails
			SET status = 'failed', worker_id = NULL, claimed_at = NULL
			WHERE id = $1
		`, id)
		if err != nil {
			return false, fmt.Errorf("mark email failed: %w", err)
		}
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, next_attempt_at = $2
		WHERE id = $1
	`, id, retryAt)
	if err != nil {
		return false, fmt.Errorf("requeue email: %w", err)
	}
	return false, nil
}

// MarkEmailBounced records a permanent delivery rejection and flags the
// lead as bounced.
func (s *Store) MarkEmailBounced(ctx context.Context, id, leadID uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'bounced', error_message = $2, worker_id = NULL, claimed_at = NULL
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark email bounced: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE leads SET status = 'bounced' WHERE id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("mark lead bounced: %w", err)
	}
	return nil
}

// RequeueStale reclaims emails stuck in 'sending' after a worker crash.
// Items under the attempt ceiling go back to the queue; the rest are
// failed with the crash recorded. Returns (requeued, failed) counts.
func (s *Store) RequeueStale(ctx context.Context, staleAge time.Duration, maxAttempts int) (int64, int64, error) {
	requeued, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, attempts = attempts + 1
		WHERE status = 'sending'
		  AND claimed_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts + 1 < $2
	`, int64(staleAge.Seconds()), maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale: %w", err)
	}

	failed, err := s.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'failed', worker_id = NULL, claimed_at = NULL,
		    attempts = attempts + 1,
		    error_message = 'send interrupted: worker did not finish'
		WHERE status = 'sending'
		  AND claimed_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts + 1 >= $2
	`, int64(staleAge.Seconds()), maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale: %w", err)
	}

	nr, _ := requeued.RowsAffected()
	nf, _ := failed.RowsAffected()
	return nr, nf, nil
}

// QueueDepth returns SentEmail counts by status.
func (s *Store) QueueDepth(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sent_emails GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// PendingDepth returns the number of queued items, used by the
// backpressure monitor.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_emails WHERE status IN ('queued', 'sending')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending depth: %w", err)
	}
	return n, nil
}

// SentTodayCount returns how many emails a mailbox has sent on the
// current day, for the ops API.
func (s *Store) SentTodayCount(ctx context.Context, mailboxID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_emails
		WHERE mailbox_id = $1 AND status = 'sent' AND sent_at::date = CURRENT_DATE
	`, mailboxID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sent today count: %w", err)
	}
	return n, nil
}
