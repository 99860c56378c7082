package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/events/eventstest"
	"github.com/liamashdown/claimwatch/internal/evidence"
	"github.com/liamashdown/claimwatch/internal/lifecycle"
	"github.com/liamashdown/claimwatch/internal/queue"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/storage/storagetest"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticDocs struct {
	docs []evidence.Document
}

func (s *staticDocs) ListDocuments(ctx context.Context, sellerID string) ([]evidence.Document, error) {
	return s.docs, nil
}

type fixture struct {
	db      *storage.DB
	queue   *queue.Queue
	router  *triage.Router
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.New(t)
	log := storagetest.QuietLogger()
	rec := &eventstest.Recorder{}
	clock := func() time.Time { return testNow }

	qcfg := config.DefaultQueue()
	qcfg.MaxAttempts = 1
	q := queue.New(qcfg, db, log)
	q.SetClock(clock)

	router := triage.NewRouter(config.DefaultTriage(), config.DefaultLifecycle(), db, rec, log)
	router.SetClock(clock)

	tracker := lifecycle.NewTracker(config.DefaultLifecycle(), db, rec, log)
	tracker.SetClock(clock)

	docs := &staticDocs{docs: []evidence.Document{{ID: "doc-1", InvoiceNumber: "INV-1"}}}
	matcher := evidence.NewMatcher(config.DefaultEvidence(), docs, db, router, log)
	matcher.SetClock(clock)

	srv := New(config.DefaultTriage(), config.DefaultLifecycle(), db, q, tracker, matcher, log)
	return &fixture{db: db, queue: q, router: router, handler: srv.Handler()}
}

// seed triages one candidate per score and returns the results in order
func (f *fixture) seed(t *testing.T, scores ...float64) []storage.DetectionResult {
	t.Helper()
	var scored []claim.ScoredCandidate
	for i, score := range scores {
		scored = append(scored, claim.ScoredCandidate{
			Candidate: claim.Candidate{
				Type:             claim.AnomalyOvercharge,
				SellerID:         "seller-1",
				SyncBatchID:      "batch-7",
				EstimatedValue:   decimal.RequireFromString("45.50"),
				Currency:         "USD",
				RelatedRecordIDs: []string{"fee-" + string(rune('a'+i))},
				EvidenceContext:  map[string]interface{}{claim.EvidenceInvoice: "INV-1"},
			},
			ConfidenceScore: score,
		})
	}
	results, _, err := f.router.Triage(context.Background(), 1, scored)
	require.NoError(t, err)
	return results
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func TestEnqueueJob(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"sellerId": "seller-1", "syncBatchId": "batch-7"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var job JobView
	decode(t, rr, &job)
	assert.NotZero(t, job.ID)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, 5, job.Priority)

	rr = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"sellerId": "seller-1", "syncBatchId": "batch-7", "priority": 9})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"sellerId": "seller-1", "syncBatchId": "batch-8", "priority": 11})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/jobs", `{"sellerId": 1`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/jobs/1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodGet, "/api/v1/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeadLetteredJobsAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, "seller-1", "batch-7", 0)
	require.NoError(t, err)
	claimed, err := f.queue.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = f.queue.Fail(ctx, claimed, errors.New("corrupt batch"))
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listing struct {
		Jobs []JobView `json:"jobs"`
	}
	decode(t, rr, &listing)
	require.Len(t, listing.Jobs, 1)
	assert.Equal(t, "corrupt batch", listing.Jobs[0].ErrorMessage)
	assert.NotNil(t, listing.Jobs[0].FinishedAt)

	rr = f.do(t, http.MethodGet, "/api/v1/jobs?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	path := "/api/v1/jobs/" + strconv.FormatInt(job.ID, 10) + "/retry"
	rr = f.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var retried JobView
	decode(t, rr, &retried)
	assert.Equal(t, "pending", retried.Status)

	rr = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/v1/jobs/404/retry", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/v1/jobs/abc/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListResultsFilters(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 0.92, 0.65, 0.30)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?band=high", 1},
		{"?band=medium", 1},
		{"?band=low", 1},
		{"?status=pending", 3},
		{"?status=resolved,expired", 0},
		{"?anomalyType=overcharge&severity=low", 3},
		{"?disposition=needs-review", 1},
		{"?from=2024-03-01&to=2024-03-01", 3},
		{"?from=2024-03-02", 0},
		{"?pageSize=2", 2},
		{"?pageSize=2&page=2", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/api/v1/results"+tt.query, nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			var page ResultPage
			decode(t, rr, &page)
			assert.Len(t, page.Results, tt.want)
		})
	}

	for _, bad := range []string{"?band=top", "?status=open", "?severity=huge", "?from=yesterday", "?page=-1"} {
		rr := f.do(t, http.MethodGet, "/api/v1/results"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
	}
}

func TestGetResult(t *testing.T) {
	f := newFixture(t)
	res := f.seed(t, 0.92)[0]

	rr := f.do(t, http.MethodGet, "/api/v1/results/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view ResultView
	decode(t, rr, &view)
	assert.Equal(t, res.ID, view.ID)
	assert.Equal(t, 60, view.DaysRemaining)
	assert.Equal(t, "high", view.ConfidenceBand)
	assert.Equal(t, string(claim.DispositionAutoSubmit), view.Disposition)
	assert.True(t, decimal.RequireFromString("45.50").Equal(view.EstimatedValue))
	assert.Equal(t, []string{"fee-a"}, view.RelatedRecordIDs)

	rr = f.do(t, http.MethodGet, "/api/v1/results/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResolveResult(t *testing.T) {
	f := newFixture(t)
	seeded := f.seed(t, 0.92, 0.5)
	res, other := seeded[0], seeded[1]
	path := "/api/v1/results/" + res.ID + "/resolve"

	rr := f.do(t, http.MethodPost, path, map[string]interface{}{"amount": "40.00", "notes": "partial refund"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view ResultView
	decode(t, rr, &view)
	assert.Equal(t, "resolved", view.Status)
	require.NotNil(t, view.RecoveredAmount)
	assert.True(t, decimal.RequireFromString("40").Equal(*view.RecoveredAmount))
	assert.NotNil(t, view.ResolvedAt)

	rr = f.do(t, http.MethodPost, path, map[string]interface{}{"amount": "40.00"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/results/"+other.ID+"/resolve", map[string]interface{}{"amount": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/results/missing/resolve", map[string]interface{}{"amount": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	res := f.seed(t, 0.65)[0]
	path := "/api/v1/results/" + res.ID + "/status"

	rr := f.do(t, http.MethodPost, path, map[string]interface{}{"status": "reviewed", "notes": "looked at it"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view ResultView
	decode(t, rr, &view)
	assert.Equal(t, "reviewed", view.Status)

	rr = f.do(t, http.MethodPost, path, map[string]interface{}{"status": "pending"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "moving backward is rejected")

	rr = f.do(t, http.MethodPost, path, map[string]interface{}{"status": "expired"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "expiry belongs to the deadline sweep")

	rr = f.do(t, http.MethodPost, path, map[string]interface{}{"status": "disputed"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMatchUpgradesResult(t *testing.T) {
	f := newFixture(t)
	res := f.seed(t, 0.65)[0]

	rr := f.do(t, http.MethodPost, "/api/v1/results/"+res.ID+"/match", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Matches []MatchView `json:"matches"`
	}
	decode(t, rr, &body)
	require.Len(t, body.Matches, 1)
	assert.Equal(t, "exact-invoice", body.Matches[0].MatchType)
	assert.Equal(t, 1.0, body.Matches[0].RelevanceScore)

	rr = f.do(t, http.MethodGet, "/api/v1/results/"+res.ID, nil)
	var view ResultView
	decode(t, rr, &view)
	assert.Equal(t, 1, view.MatchCount)
	assert.Len(t, view.Matches, 1)
	assert.Equal(t, string(claim.DispositionNeedsReview), view.Disposition, "confidence 0.65 stays capped")
}

func TestStatsDeadlinesAndPrompts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 0.92, 0.65, 0.30)

	rr := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats storage.Stats
	decode(t, rr, &stats)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.ByBand["high"].Count)
	assert.Zero(t, stats.ExpiringSoon)
	assert.Equal(t, int64(3), stats.ByCurrency["USD"].Count)

	rr = f.do(t, http.MethodGet, "/api/v1/stats?currency=eur", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var eur storage.Stats
	decode(t, rr, &eur)
	assert.Equal(t, "EUR", eur.Currency)
	assert.Zero(t, eur.Total)
	assert.Empty(t, eur.ByCurrency)

	rr = f.do(t, http.MethodGet, "/api/v1/deadlines", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var deadlines struct {
		Days    int          `json:"days"`
		Results []ResultView `json:"results"`
	}
	decode(t, rr, &deadlines)
	assert.Equal(t, 7, deadlines.Days)
	assert.Empty(t, deadlines.Results)

	rr = f.do(t, http.MethodGet, "/api/v1/deadlines?days=60", nil)
	decode(t, rr, &deadlines)
	assert.Len(t, deadlines.Results, 3)

	rr = f.do(t, http.MethodGet, "/api/v1/prompts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var prompts ResultPage
	decode(t, rr, &prompts)
	require.Len(t, prompts.Results, 1)
	assert.Equal(t, string(claim.DispositionNeedsReview), prompts.Results[0].Disposition)
}

func TestSyncBatchDelivery(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"sellerId":    "seller-1",
		"syncBatchId": "batch-7",
		"shipments": []map[string]interface{}{
			{"id": "ship-1", "sku": "SKU-A", "quantityShipped": 10, "quantityReceived": 7, "unitCost": "4.50", "currency": "USD", "closedAt": "2024-02-20T00:00:00Z"},
		},
	}

	rr := f.do(t, http.MethodPost, "/api/v1/sync-batches", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	count, err := f.db.CountSyncRecords(context.Background(), "seller-1", "batch-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rr = f.do(t, http.MethodPost, "/api/v1/sync-batches", body)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/sync-batches", map[string]interface{}{"sellerId": "seller-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	require.NoError(t, f.db.SetState(context.Background(), lifecycle.StateLastSweep, strconv.FormatInt(testNow.Unix(), 10)))
	rr = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready","lastDeadlineSweep":"`+testNow.Format(time.RFC3339)+`"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
