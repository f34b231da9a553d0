package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/outreach/internal/store"
	"github.com/reachforge/outreach/internal/transport"
)

type stubTransport struct {
	result transport.Result
	err    error
	sent   []transport.Message
}

func (s *stubTransport) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	s.sent = append(s.sent, msg)
	return s.result, s.err
}

type stubResolver struct{ out transport.Outbound }

func (s *stubResolver) ForMailbox(m *store.Mailbox) (transport.Outbound, error) {
	return s.out, nil
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffFor(0))
	assert.Equal(t, 5*time.Minute, backoffFor(1))
	assert.Equal(t, 30*time.Minute, backoffFor(2))
	assert.Equal(t, 30*time.Minute, backoffFor(9))
	assert.Equal(t, 30*time.Second, backoffFor(-1))
}

func newTestPool(t *testing.T, out transport.Outbound) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := NewPool(store.New(db), nil, &stubResolver{out: out}, nil, nil, Config{})
	return pool, mock
}

func expectMailbox(mock sqlmock.Sqlmock, id uuid.UUID, base, sentToday int) {
	mock.ExpectQuery(`SELECT .* FROM mailboxes`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "address", "display_name", "provider",
			"smtp_host", "smtp_port", "smtp_username", "smtp_password",
			"imap_host", "imap_port", "imap_username", "imap_password",
			"status", "warmup_enabled", "warmup_day", "warmup_advanced_on",
			"base_daily_limit", "sent_today", "sent_today_date", "last_seen_uid",
			"last_error",
		}).AddRow(
			id, "box@corp.test", "Corp", "smtp",
			"smtp.corp.test", 587, "box", "pw",
			"imap.corp.test", 993, "box", "pw",
			"active", false, 0, nil,
			base, sentToday, time.Now(), 0,
			"",
		))
}

func testItem(mailboxID uuid.UUID) store.DispatchItem {
	return store.DispatchItem{
		ID:        uuid.New(),
		LeadID:    uuid.New(),
		MailboxID: mailboxID,
		LeadEmail: "lead@example.test",
		Subject:   "Quick question",
		Body:      "Hello",
	}
}

func TestProcessSendsAndMarks(t *testing.T) {
	out := &stubTransport{result: transport.Result{MessageID: "mid@corp.test"}}
	pool, mock := newTestPool(t, out)
	mailboxID := uuid.New()
	item := testItem(mailboxID)

	expectMailbox(mock, mailboxID, 100, 10)
	mock.ExpectExec(`UPDATE mailboxes`).
		WithArgs(mailboxID, 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID, "mid@corp.test").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE leads`).
		WithArgs(item.LeadID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)

	require.Len(t, out.sent, 1)
	assert.Equal(t, "lead@example.test", out.sent[0].To)
	assert.Equal(t, "box@corp.test", out.sent[0].From)
	assert.NoError(t, mock.ExpectationsWereMet())
	sent, _ := pool.Stats()
	assert.Equal(t, int64(1), sent)
}

func TestProcessDefersOnDailyLimit(t *testing.T) {
	out := &stubTransport{}
	pool, mock := newTestPool(t, out)
	mailboxID := uuid.New()
	item := testItem(mailboxID)

	expectMailbox(mock, mailboxID, 100, 100)
	// Atomic increment-and-check loses: zero rows moved.
	mock.ExpectExec(`UPDATE mailboxes`).
		WithArgs(mailboxID, 100).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Released back to queued with a next-morning retry time.
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)

	assert.Empty(t, out.sent, "no send after quota denial")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessReleasesCancelledBatch(t *testing.T) {
	out := &stubTransport{}
	pool, mock := newTestPool(t, out)
	item := testItem(uuid.New())
	item.BatchID = uuid.New()

	mock.ExpectQuery(`SELECT cancelled FROM batches`).
		WithArgs(item.BatchID).
		WillReturnRows(sqlmock.NewRows([]string{"cancelled"}).AddRow(true))
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)

	assert.Empty(t, out.sent, "cancelled batch must not send")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessTemporaryFailureRetries(t *testing.T) {
	out := &stubTransport{err: &transport.DeliveryError{Temporary: true, Message: "421 busy"}}
	pool, mock := newTestPool(t, out)
	mailboxID := uuid.New()
	item := testItem(mailboxID)

	expectMailbox(mock, mailboxID, 100, 10)
	mock.ExpectExec(`UPDATE mailboxes`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE sent_emails`).
		WithArgs(item.ID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessThirdFailureIsTerminal(t *testing.T) {
	out := &stubTransport{err: errors.New("dial tcp: i/o timeout")}
	pool, mock := newTestPool(t, out)
	mailboxID := uuid.New()
	item := testItem(mailboxID)
	item.Attempts = 2

	expectMailbox(mock, mailboxID, 100, 10)
	mock.ExpectExec(`UPDATE mailboxes`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE sent_emails`).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)

	assert.NoError(t, mock.ExpectationsWereMet())
	_, failed := pool.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestProcessPermanentRejectionBounces(t *testing.T) {
	out := &stubTransport{err: &transport.DeliveryError{Temporary: false, Message: "550 no such user"}}
	pool, mock := newTestPool(t, out)
	mailboxID := uuid.New()
	item := testItem(mailboxID)

	expectMailbox(mock, mailboxID, 100, 10)
	mock.ExpectExec(`UPDATE mailboxes`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sent_emails`).
		WithArgs(item.ID, "550 no such user").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE leads`).
		WithArgs(item.LeadID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.process(context.Background(), item)
	assert.NoError(t, mock.ExpectationsWereMet())
}
