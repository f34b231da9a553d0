package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/store"
)

type stubClassifier struct {
	verdict Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Classify(ctx context.Context, subject, body string) (Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func newTestGate(t *testing.T, c Classifier) (*Gate, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewGate(store.New(db), c, nil, 10, time.Second), mock
}

func pendingResponse(attempts int) *store.Response {
	return &store.Response{
		ID:               uuid.New(),
		Subject:          "Re: Quick question",
		Body:             "Tell me more.",
		AnalysisStatus:   store.AnalysisAnalyzing,
		AnalysisAttempts: attempts,
	}
}

func TestAnalyzeStoresVerdict(t *testing.T) {
	c := &stubClassifier{verdict: Verdict{InterestLevel: InterestHigh, Summary: "wants a demo"}}
	g, mock := newTestGate(t, c)
	r := pendingResponse(0)

	mock.ExpectExec(`UPDATE responses`).
		WithArgs(r.ID, InterestHigh, "wants a demo", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeRateLimitDoesNotBurnAttempt(t *testing.T) {
	c := &stubClassifier{err: ErrRateLimited}
	g, mock := newTestGate(t, c)
	r := pendingResponse(2) // one attempt left; a throttle must not spend it

	// Released to pending with a hold, attempt counter untouched.
	mock.ExpectExec(`UPDATE responses`).
		WithArgs(r.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeMalformedIsTerminal(t *testing.T) {
	c := &stubClassifier{err: ErrMalformed}
	g, mock := newTestGate(t, c)
	r := pendingResponse(0)

	// Straight to failed with the reason recorded; no retry, no attempt
	// spent, and never the skipped state auto-replies get.
	mock.ExpectExec(`UPDATE responses SET analysis_status = 'failed'`).
		WithArgs(r.ID, ErrMalformed.Error()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeMalformedVerdictBodyIsTerminal(t *testing.T) {
	wrapped := fmt.Errorf("%w: unknown interest level %q", ErrMalformed, "meh")
	c := &stubClassifier{err: wrapped}
	g, mock := newTestGate(t, c)
	r := pendingResponse(0)

	mock.ExpectExec(`UPDATE responses SET analysis_status = 'failed'`).
		WithArgs(r.ID, wrapped.Error()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeFailureConsumesAttempt(t *testing.T) {
	c := &stubClassifier{err: errors.New("upstream exploded")}
	g, mock := newTestGate(t, c)
	r := pendingResponse(0)

	mock.ExpectQuery(`UPDATE responses`).
		WithArgs(r.ID, "upstream exploded").
		WillReturnRows(sqlmock.NewRows([]string{"analysis_attempts"}).AddRow(1))
	mock.ExpectExec(`UPDATE responses`).
		WithArgs(r.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeThirdFailureIsDead(t *testing.T) {
	c := &stubClassifier{err: errors.New("upstream exploded")}
	g, mock := newTestGate(t, c)
	r := pendingResponse(2)

	mock.ExpectQuery(`UPDATE responses`).
		WithArgs(r.ID, "upstream exploded").
		WillReturnRows(sqlmock.NewRows([]string{"analysis_attempts"}).AddRow(3))
	mock.ExpectExec(`UPDATE responses`).
		WithArgs(r.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyzeCancelledBatchSkipsClassifier(t *testing.T) {
	c := &stubClassifier{verdict: Verdict{InterestLevel: InterestHigh}}
	g, mock := newTestGate(t, c)
	r := pendingResponse(0)
	r.BatchID = uuid.New()

	mock.ExpectQuery(`SELECT cancelled FROM batches`).
		WithArgs(r.BatchID).
		WillReturnRows(sqlmock.NewRows([]string{"cancelled"}).AddRow(true))
	mock.ExpectExec(`UPDATE responses`).
		WithArgs(r.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.False(t, g.analyze(context.Background(), r))
	assert.Zero(t, c.calls, "cancelled batch must not reach the classifier")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Minute, backoffFor(0))
	assert.Equal(t, 5*time.Minute, backoffFor(1))
	assert.Equal(t, 15*time.Minute, backoffFor(2))
	assert.Equal(t, 15*time.Minute, backoffFor(7))
}

func TestReplyEventWakesGate(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	g := NewGate(store.New(db), &stubClassifier{}, bus, 10, time.Hour)

	bus.Publish(context.Background(), events.Event{
		Kind:     events.KindReplyReceived,
		EntityID: uuid.New(),
	})

	select {
	case <-g.wake:
	default:
		t.Fatal("reply event did not wake the gate")
	}

	// Back-to-back events must never block the publisher.
	bus.Publish(context.Background(), events.Event{Kind: events.KindReplyReceived})
	bus.Publish(context.Background(), events.Event{Kind: events.KindReplyReceived})
}
