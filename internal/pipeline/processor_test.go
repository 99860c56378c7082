package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/detection"
	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/events/eventstest"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/storage/storagetest"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDetector struct {
	scored []claim.ScoredCandidate
	err    error
	seen   *claim.Batch
}

func (f *fakeDetector) Run(ctx context.Context, batch *claim.Batch) ([]claim.ScoredCandidate, error) {
	f.seen = batch
	return f.scored, f.err
}

type fakeMatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeMatcher) Match(ctx context.Context, resultID string) ([]storage.EvidenceMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, resultID)
	return nil, f.err
}

func (f *fakeMatcher) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.ids...)
	sort.Strings(out)
	return out
}

type fixture struct {
	db        *storage.DB
	recorder  *eventstest.Recorder
	router    *triage.Router
	matcher   *fakeMatcher
	processor *Processor
}

func newFixture(t *testing.T, detector Detector) *fixture {
	t.Helper()
	db := storagetest.New(t)
	rec := &eventstest.Recorder{}
	log := storagetest.QuietLogger()

	router := triage.NewRouter(config.DefaultTriage(), config.DefaultLifecycle(), db, rec, log)
	router.SetClock(func() time.Time { return testNow })

	m := &fakeMatcher{}
	p := New(db, detector, router, m, rec, 2, log)
	p.SetClock(func() time.Time { return testNow })
	return &fixture{db: db, recorder: rec, router: router, matcher: m, processor: p}
}

func scoredCandidate(batch string, ids []string, value string, score float64) claim.ScoredCandidate {
	return claim.ScoredCandidate{
		Candidate: claim.Candidate{
			Type:             claim.AnomalyOvercharge,
			SellerID:         "seller-1",
			SyncBatchID:      batch,
			EstimatedValue:   decimal.RequireFromString(value),
			Currency:         "USD",
			RelatedRecordIDs: ids,
		},
		ConfidenceScore: score,
	}
}

func testJob(id int64, batch string) *storage.DetectionJob {
	return &storage.DetectionJob{ID: id, SellerID: "seller-1", SyncBatchID: batch}
}

func TestHandlePublishesBatchSummaryAndMatches(t *testing.T) {
	det := &fakeDetector{scored: []claim.ScoredCandidate{
		scoredCandidate("batch-7", []string{"fee-1"}, "45.50", 0.92),
		scoredCandidate("batch-7", []string{"fee-2"}, "10.00", 0.30),
	}}
	f := newFixture(t, det)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx, testJob(11, "batch-7")))
	f.processor.Wait()

	results, err := f.db.ListResultsByBatch(ctx, "seller-1", "batch-7")
	require.NoError(t, err)
	require.Len(t, results, 2)

	completed := f.recorder.OfType(events.TypeBatchCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "detection.batch.completed:seller-1:batch-7:11", completed[0].IdempotencyKey)

	payload, ok := completed[0].Payload.(events.BatchCompleted)
	require.True(t, ok)
	assert.Equal(t, 2, payload.Candidates)
	assert.Equal(t, 1, payload.CountsByDisposition[string(claim.DispositionAutoSubmit)])
	assert.Equal(t, 0, payload.CountsByDisposition[string(claim.DispositionNeedsReview)])
	assert.Equal(t, 1, payload.CountsByDisposition[string(claim.DispositionManualReview)])
	assert.True(t, decimal.RequireFromString("55.50").Equal(payload.TotalValue))

	assert.Len(t, f.recorder.OfType(events.TypeDispositionAssigned), 2)

	want := []string{results[0].ID, results[1].ID}
	sort.Strings(want)
	assert.Equal(t, want, f.matcher.IDs(), "every open result is matched in the background")
}

func TestHandleIsIdempotentAcrossRetries(t *testing.T) {
	det := &fakeDetector{scored: []claim.ScoredCandidate{
		scoredCandidate("batch-7", []string{"fee-1", "fee-3"}, "45.50", 0.65),
	}}
	f := newFixture(t, det)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx, testJob(1, "batch-7")))
	require.NoError(t, f.processor.Handle(ctx, testJob(2, "batch-7")))
	f.processor.Wait()

	results, err := f.db.ListResultsByBatch(ctx, "seller-1", "batch-7")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].JobID)

	assert.Len(t, f.recorder.OfType(events.TypeBatchCompleted), 2, "one summary per job")
	assert.Len(t, f.recorder.OfType(events.TypeDispositionAssigned), 1, "unchanged disposition is not re-announced")
}

func TestHandleSurvivesMatcherAndPublisherFailures(t *testing.T) {
	det := &fakeDetector{scored: []claim.ScoredCandidate{
		scoredCandidate("batch-7", []string{"fee-1"}, "45.50", 0.92),
	}}
	f := newFixture(t, det)
	f.matcher.err = claim.Transient("document-store", errors.New("down"))
	f.recorder.SetErr(errors.New("sink down"))

	require.NoError(t, f.processor.Handle(context.Background(), testJob(1, "batch-7")))
	f.processor.Wait()
	assert.Len(t, f.matcher.IDs(), 1)
}

func TestHandleReturnsDetectorError(t *testing.T) {
	f := newFixture(t, &fakeDetector{err: context.Canceled})
	err := f.processor.Handle(context.Background(), testJob(1, "batch-7"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadBatchRoundTrip(t *testing.T) {
	det := &fakeDetector{}
	f := newFixture(t, det)
	ctx := context.Background()

	batch := &claim.Batch{
		SellerID:    "seller-1",
		SyncBatchID: "batch-7",
		Shipments: []claim.InboundShipment{
			{ID: "ship-1", SKU: "SKU-A", QuantityShipped: 10, QuantityReceived: 7, UnitCost: decimal.RequireFromString("4.50"), Currency: "USD"},
		},
		Fees: []claim.FeeRecord{
			{ID: "fee-1", OrderID: "o-1", Category: "fba_fulfillment", Amount: decimal.RequireFromString("3.22"), ChargedAt: testNow},
		},
		Inventory:      []claim.InventoryRecord{{ID: "inv-1", SKU: "SKU-A", Condition: claim.ConditionDamaged, Quantity: 2}},
		Reimbursements: []claim.ReimbursementEvent{{ID: "re-1", SKU: "SKU-A", Quantity: 1}},
	}
	require.NoError(t, StoreBatch(ctx, f.db, batch))
	require.NoError(t, f.db.InsertSyncRecords(ctx, []storage.SyncRecord{
		{SellerID: "seller-1", SyncBatchID: "batch-7", Kind: "returns", RecordID: "ret-1", Body: []byte(`{}`)},
	}))

	loaded, err := f.processor.LoadBatch(ctx, "seller-1", "batch-7")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Size(), "unknown kinds are skipped")
	require.Len(t, loaded.Shipments, 1)
	assert.Equal(t, 3, loaded.Shipments[0].QuantityShipped-loaded.Shipments[0].QuantityReceived)
	assert.True(t, decimal.RequireFromString("3.22").Equal(loaded.Fees[0].Amount))
	assert.True(t, loaded.Fees[0].ChargedAt.Equal(testNow))

	empty, err := f.processor.LoadBatch(ctx, "seller-1", "batch-unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.Size())
}

func TestLoadBatchRejectsMalformedRecord(t *testing.T) {
	f := newFixture(t, &fakeDetector{})
	ctx := context.Background()

	require.NoError(t, f.db.InsertSyncRecords(ctx, []storage.SyncRecord{
		{SellerID: "seller-1", SyncBatchID: "batch-7", Kind: string(claim.RecordFee), RecordID: "fee-1", Body: []byte(`{"amount": {}}`)},
	}))

	_, err := f.processor.LoadBatch(ctx, "seller-1", "batch-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee-1")

	err = f.processor.Handle(ctx, testJob(1, "batch-7"))
	assert.Error(t, err, "a malformed batch fails the attempt")
}

func TestHandleWithEngineFallsBackWithoutOracle(t *testing.T) {
	engine := detection.NewEngine(config.DefaultDetection(), time.Second, nil, nil, storagetest.QuietLogger())
	f := newFixture(t, engine)
	ctx := context.Background()

	require.NoError(t, StoreBatch(ctx, f.db, &claim.Batch{
		SellerID:    "seller-1",
		SyncBatchID: "batch-9",
		Shipments: []claim.InboundShipment{
			{ID: "ship-1", SKU: "SKU-A", QuantityShipped: 10, QuantityReceived: 7, UnitCost: decimal.RequireFromString("4.50"), Currency: "USD"},
		},
	}))

	require.NoError(t, f.processor.Handle(ctx, testJob(3, "batch-9")))
	f.processor.Wait()

	results, err := f.db.ListResultsByBatch(ctx, "seller-1", "batch-9")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, string(claim.AnomalyMissingUnit), results[0].AnomalyType)
	assert.True(t, results[0].ScoringFallback)
	assert.Equal(t, true, results[0].Evidence[claim.EvidenceScoringFallback])
	assert.True(t, decimal.RequireFromString("13.50").Equal(results[0].EstimatedValue))
}
