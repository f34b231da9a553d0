package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ResponseExists reports whether a reply with this Message-ID has already
// been recorded for the mailbox. The unique key on (mailbox_id,
// message_id) is the real guard; this check just lets the poller skip
// parsing work for messages it has seen before.
func (s *Store) ResponseExists(ctx context.Context, mailboxID uuid.UUID, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM responses WHERE mailbox_id = $1 AND message_id = $2
		)
	`, mailboxID, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("response exists: %w", err)
	}
	return exists, nil
}

// CreateResponse records an inbound reply. Duplicate Message-IDs for the
// same mailbox are dropped by the unique key. Returns true when a new row
// was created.
func (s *Store) CreateResponse(ctx context.Context, r *Response) (bool, error) {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var batchID any
	if r.BatchID != uuid.Nil {
		batchID = r.BatchID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (
			id, sent_email_id, lead_id, mailbox_id, batch_id,
			message_uid, message_id, subject, body, received_at,
			is_auto_reply, analysis_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (mailbox_id, message_id) DO NOTHING
	`, id, r.SentEmailID, r.LeadID, r.MailboxID, batchID,
		r.MessageUID, r.MessageID, r.Subject, r.Body, r.ReceivedAt,
		r.IsAutoReply, r.AnalysisStatus)
	if err != nil {
		return false, fmt.Errorf("create response: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.ID = id
	}
	return n > 0, nil
}

// ThreadMatch is the sent email a reply threads back to.
type ThreadMatch struct {
	SentEmailID uuid.UUID
	LeadID      uuid.UUID
	CampaignID  uuid.UUID
	BatchID     uuid.UUID
}

// FindSentEmailByMessageIDs resolves a reply to its originating sent
// email via the Message-IDs carried in In-Reply-To and References.
// Returns ErrNotFound when none match.
func (s *Store) FindSentEmailByMessageIDs(ctx context.Context, mailboxID uuid.UUID, messageIDs []string) (*ThreadMatch, error) {
	cleaned := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, lead_id, campaign_id, COALESCE(batch_id, '00000000-0000-0000-0000-000000000000'::uuid)
		FROM sent_emails
		WHERE mailbox_id = $1 AND status = 'sent' AND message_id = ANY($2)
		ORDER BY sent_at DESC
		LIMIT 1
	`, mailboxID, pq.Array(cleaned))
	return scanThreadMatch(row)
}

// FindSentEmailByParticipant is the fallback matcher: the most recent
// sent email from this mailbox to the sender whose subject matches after
// stripping reply prefixes. Returns ErrNotFound when none match.
func (s *Store) FindSentEmailByParticipant(ctx context.Context, mailboxID uuid.UUID, fromAddress, subject string) (*ThreadMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT se.id, se.lead_id, se.campaign_id, COALESCE(se.batch_id, '00000000-0000-0000-0000-000000000000'::uuid)
		FROM sent_emails se
		JOIN leads l ON l.id = se.lead_id
		JOIN campaign_templates t ON t.id = se.template_id
		WHERE se.mailbox_id = $1
		  AND se.status = 'sent'
		  AND LOWER(l.email) = LOWER($2)
		  AND LOWER(t.subject) = LOWER($3)
		ORDER BY se.sent_at DESC
		LIMIT 1
	`, mailboxID, fromAddress, NormalizeSubject(subject))
	return scanThreadMatch(row)
}

func scanThreadMatch(row *sql.Row) (*ThreadMatch, error) {
	var m ThreadMatch
	err := row.Scan(&m.SentEmailID, &m.LeadID, &m.CampaignID, &m.BatchID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread match: %w", err)
	}
	return &m, nil
}

// NormalizeSubject strips reply/forward prefixes for subject matching.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return s
		}
	}
}

// MarkLeadResponded moves a contacted lead to responded.
func (s *Store) MarkLeadResponded(ctx context.Context, leadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status = 'responded'
		WHERE id = $1 AND status IN ('pending', 'contacted')
	`, leadID)
	if err != nil {
		return fmt.Errorf("mark lead responded: %w", err)
	}
	return nil
}

// ClaimPendingAnalysis claims up to limit responses awaiting analysis,
// transitioning pending -> analyzing. Auto-replies and responses in a
// cancelled batch never qualify. SKIP LOCKED keeps concurrent gate
// workers from double-claiming.
func (s *Store) ClaimPendingAnalysis(ctx context.Context, limit int) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE responses
		SET analysis_status = 'analyzing'
		WHERE id IN (
			SELECT r.id
			FROM responses r
			LEFT JOIN batches b ON b.id = r.batch_id
			WHERE r.analysis_status = 'pending'
			  AND r.is_auto_reply = false
			  AND (r.next_analysis_at IS NULL OR r.next_analysis_at <= NOW())
			  AND COALESCE(b.cancelled, false) = false
			ORDER BY r.received_at
			LIMIT $1
			FOR UPDATE OF r SKIP LOCKED
		)
		RETURNING id, sent_email_id, lead_id, mailbox_id,
		          COALESCE(batch_id, '00000000-0000-0000-0000-000000000000'::uuid),
		          message_uid, message_id, subject, body, received_at,
		          is_auto_reply, analysis_status, analysis_attempts
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending analysis: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(
			&r.ID, &r.SentEmailID, &r.LeadID, &r.MailboxID, &r.BatchID,
			&r.MessageUID, &r.MessageID, &r.Subject, &r.Body, &r.ReceivedAt,
			&r.IsAutoReply, &r.AnalysisStatus, &r.AnalysisAttempts,
		); err != nil {
			return nil, fmt.Errorf("scan claimed response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkAnalyzed stores the classifier verdict on a response.
func (s *Store) MarkAnalyzed(ctx context.Context, id uuid.UUID, interestLevel, summary, quotes string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE responses
		SET analysis_status = 'analyzed', interest_level = $2, summary = $3, quotes = $4,
		    next_analysis_at = NULL
		WHERE id = $1 AND analysis_status = 'analyzing'
	`, id, interestLevel, summary, quotes)
	if err != nil {
		return fmt.Errorf("mark analyzed: %w", err)
	}
	return nil
}

// FailAnalysis terminally fails a response without spending the retry
// budget, recording why. Used for verdicts no retry can fix.
func (s *Store) FailAnalysis(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE responses SET analysis_status = 'failed', analysis_error = $2 WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("fail analysis: %w", err)
	}
	return nil
}

// RecordAnalysisFailure increments the analysis attempt counter and
// either requeues the response for a later retry or terminally fails it
// at the ceiling, recording the error. Returns true when the response
// was terminally failed.
func (s *Store) RecordAnalysisFailure(ctx context.Context, id uuid.UUID, reason string, maxAttempts int, retryAt time.Time) (bool, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE responses
		SET analysis_attempts = analysis_attempts + 1, analysis_error = $2
		WHERE id = $1
		RETURNING analysis_attempts
	`, id, reason).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("record analysis failure: %w", err)
	}

	if attempts >= maxAttempts {
		_, err = s.db.ExecContext(ctx, `
			UPDATE responses SET analysis_status = 'failed' WHERE id = $1
		`, id)
		if err != nil {
			return false, fmt.Errorf("fail analysis: %w", err)
		}
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE responses SET analysis_status = 'pending', next_analysis_at = $2 WHERE id = $1
	`, id, retryAt)
	if err != nil {
		return false, fmt.Errorf("requeue analysis: %w", err)
	}
	return false, nil
}

// ReleaseAnalysis returns a claimed response to pending without touching
// the attempt counter. Used when the classifier is rate limited or the
// batch was cancelled mid-flight.
func (s *Store) ReleaseAnalysis(ctx context.Context, id uuid.UUID, retryAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE responses
		SET analysis_status = 'pending', next_analysis_at = $2
		WHERE id = $1 AND analysis_status = 'analyzing'
	`, id, retryAt)
	if err != nil {
		return fmt.Errorf("release analysis: %w", err)
	}
	return nil
}

// SkipAnalysis marks a response as never needing analysis (auto-replies
// detected after the fact, or operator overrides).
func (s *Store) SkipAnalysis(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE responses SET analysis_status = 'skipped' WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("skip analysis: %w", err)
	}
	return nil
}

// ResponseStats returns response counts by analysis status.
func (s *Store) ResponseStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT analysis_status, COUNT(*) FROM responses GROUP BY analysis_status
	`)
	if err != nil {
		return nil, fmt.Errorf("response stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan response stats: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
