package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/store"
	"github.com/reachforge/outreach/internal/warmup"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(store.New(db), db, nil, events.NewBus(), warmup.DefaultRamp), mock
}

func TestLiveness(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestQueueStats(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM sent_emails GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 12).
			AddRow("sent", 340))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sent_emails WHERE status IN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/queue", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ByStatus map[string]int64 `json:"by_status"`
		Pending  int64            `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(12), body.ByStatus["queued"])
	assert.Equal(t, int64(340), body.ByStatus["sent"])
	assert.Equal(t, int64(12), body.Pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStats(t *testing.T) {
	srv, mock := newTestServer(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT c.id, c.name, c.status`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "status", "leads", "contacted", "responded", "queued", "sent", "failed",
		}).AddRow(id, "spring launch", "active", 50, 30, 4, 10, 36, 2))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/campaigns", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Campaigns []store.CampaignStats `json:"campaigns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Campaigns, 1)
	assert.Equal(t, "spring launch", body.Campaigns[0].Name)
	assert.Equal(t, int64(36), body.Campaigns[0].Sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMailboxStatsNotFound(t *testing.T) {
	srv, mock := newTestServer(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM mailboxes WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mailboxes/"+id.String()+"/stats", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMailboxStatsBadID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mailboxes/not-a-uuid/stats", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBatch(t *testing.T) {
	srv, mock := newTestServer(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE batches SET cancelled = true`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var published []events.Event
	srv.bus.Subscribe(events.KindBatchCancelled, func(ctx context.Context, ev events.Event) {
		published = append(published, ev)
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches/"+id.String()+"/cancel", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, published, 1)
	assert.Equal(t, id, published[0].EntityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
