package evidence

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/events/eventstest"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/storage/storagetest"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var eventDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	docs  []Document
	err   error
	calls int
}

func (f *fakeStore) ListDocuments(ctx context.Context, sellerID string) ([]Document, error) {
	f.calls++
	return f.docs, f.err
}

type fakeUpgrader struct {
	ids []string
}

func (f *fakeUpgrader) ApplyEvidence(ctx context.Context, resultID string) (*storage.DetectionResult, error) {
	f.ids = append(f.ids, resultID)
	return nil, nil
}

func newTestMatcher(store DocumentStore, db *storage.DB, up Upgrader) *Matcher {
	return NewMatcher(config.DefaultEvidence(), store, db, up, storagetest.QuietLogger())
}

func seedResult(t *testing.T, db *storage.DB, score float64, fallback bool, evidence map[string]interface{}) *storage.DetectionResult {
	t.Helper()
	res := &storage.DetectionResult{
		ID:              uuid.NewString(),
		Fingerprint:     uuid.NewString(),
		SellerID:        "seller-1",
		SyncBatchID:     "batch-7",
		AnomalyType:     string(claim.AnomalyMissingUnit),
		Severity:        string(claim.SeverityMedium),
		EstimatedValue:  decimal.RequireFromString("120.00"),
		Currency:        "USD",
		ConfidenceScore: score,
		ScoringFallback: fallback,
		Disposition:     string(claim.DispositionNeedsReview),
		Status:          string(claim.StatusPending),
		Evidence:        datatypes.JSONMap(evidence),
		DiscoveryTS:     eventDate.Unix(),
		DeadlineTS:      eventDate.AddDate(0, 0, 60).Unix(),
	}
	require.NoError(t, db.CreateResult(context.Background(), res))
	return res
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "acme supplies", NormalizeName("ACME Supplies, Inc."))
	assert.Equal(t, "cafe muller", NormalizeName("Café Müller GmbH"))
	assert.Equal(t, "", NormalizeName(" , . "))
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NameSimilarity("Acme Supplies Inc", "ACME supplies"))
	assert.Equal(t, 0.0, NameSimilarity("", "Acme"))

	near := NameSimilarity("Acme Supplies", "Acme Supply")
	far := NameSimilarity("Acme Supplies", "Globex Trading")
	assert.Greater(t, near, 0.6)
	assert.Less(t, far, 0.2)
	assert.InDelta(t, NameSimilarity("Globex Trading", "Acme Supplies"), far, 1e-9)
}

func TestScoreExactIdentifiersShortCircuit(t *testing.T) {
	m := newTestMatcher(nil, nil, nil)
	subject := Subject{InvoiceNumber: "INV-77", SKU: "SKU-1", ASIN: "B000TEST"}

	mt, rel := m.Score(subject, &Document{InvoiceNumber: "inv-77"})
	assert.Equal(t, claim.MatchExactInvoice, mt)
	assert.Equal(t, 1.0, rel)

	mt, rel = m.Score(subject, &Document{SKUs: []string{"SKU-9", "sku-1"}})
	assert.Equal(t, claim.MatchSKU, mt)
	assert.Equal(t, 1.0, rel)

	mt, rel = m.Score(subject, &Document{ASINs: []string{"B000TEST"}})
	assert.Equal(t, claim.MatchASIN, mt)
	assert.Equal(t, 1.0, rel)
}

func TestScoreFuzzySignals(t *testing.T) {
	m := newTestMatcher(nil, nil, nil)
	subject := Subject{
		SupplierName:   "Acme Supplies",
		EventDate:      eventDate,
		EstimatedValue: decimal.NewFromInt(100),
	}

	full := &Document{
		SupplierName: "ACME Supplies Ltd",
		DocumentDate: eventDate,
		TotalAmount:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}
	mt, rel := m.Score(subject, full)
	assert.Equal(t, claim.MatchSupplierFuzzy, mt)
	assert.Equal(t, 1.0, rel)

	// Half the date window away and half the amount
	partial := &Document{
		DocumentDate: eventDate.AddDate(0, 0, 15),
		TotalAmount:  decimal.NewNullDecimal(decimal.NewFromInt(50)),
	}
	mt, rel = m.Score(subject, partial)
	assert.Equal(t, claim.MatchDate, mt)
	assert.InDelta(t, 0.25, rel, 1e-9)

	amountOnly := &Document{TotalAmount: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	mt, rel = m.Score(subject, amountOnly)
	assert.Equal(t, claim.MatchAmount, mt)
	assert.InDelta(t, 0.25, rel, 1e-9)

	_, rel = m.Score(subject, &Document{DocumentDate: eventDate.AddDate(0, 3, 0)})
	assert.Equal(t, 0.0, rel)
}

func TestMatchReplacesPreviousMatches(t *testing.T) {
	db := storagetest.New(t)
	ctx := context.Background()
	res := seedResult(t, db, 0.7, false, map[string]interface{}{
		claim.EvidenceSKU:       "SKU-1",
		claim.EvidenceSupplier:  "Acme Supplies",
		claim.EvidenceEventDate: eventDate.Format(time.RFC3339),
	})

	store := &fakeStore{docs: []Document{
		{ID: "doc-sku", SKUs: []string{"SKU-1"}},
		{ID: "doc-fuzzy", SupplierName: "Acme Supplies", DocumentDate: eventDate},
		{ID: "doc-weak", DocumentDate: eventDate.AddDate(0, 0, 25)},
	}}
	up := &fakeUpgrader{}
	m := newTestMatcher(store, db, up)

	matches, err := m.Match(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2, "weak date-only match falls under the relevance floor")
	assert.Equal(t, "doc-sku", matches[0].DocumentID)
	assert.Equal(t, string(claim.MatchSKU), matches[0].MatchType)
	assert.Equal(t, "doc-fuzzy", matches[1].DocumentID)
	assert.InDelta(t, 0.75, matches[1].RelevanceScore, 1e-9)
	assert.Equal(t, []string{res.ID}, up.ids)

	stored, err := db.GetResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stored.EvidenceRelevance)
	assert.Equal(t, 2, stored.MatchCount)

	// The SKU document is withdrawn; matching again leaves no stale row
	store.docs = store.docs[1:]
	_, err = m.Match(ctx, res.ID)
	require.NoError(t, err)

	current, err := db.ListMatches(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "doc-fuzzy", current[0].DocumentID)

	stored, err = db.GetResult(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, stored.EvidenceRelevance, 1e-9)
}

func TestMatchSurfacesStoreFailure(t *testing.T) {
	db := storagetest.New(t)
	res := seedResult(t, db, 0.7, false, nil)

	store := &fakeStore{err: claim.Transient(Dependency, errors.New("connection refused"))}
	up := &fakeUpgrader{}
	_, err := newTestMatcher(store, db, up).Match(context.Background(), res.ID)
	require.Error(t, err)
	assert.True(t, claim.IsTransient(err))
	assert.Empty(t, up.ids)
}

func TestMatchUnknownResult(t *testing.T) {
	db := storagetest.New(t)
	_, err := newTestMatcher(&fakeStore{}, db, nil).Match(context.Background(), "nope")
	assert.ErrorIs(t, err, claim.ErrNotFound)
}

func TestMatchUpgradesHighConfidenceFallback(t *testing.T) {
	db := storagetest.New(t)
	ctx := context.Background()
	rec := &eventstest.Recorder{}
	router := triage.NewRouter(config.DefaultTriage(), config.DefaultLifecycle(), db, rec, storagetest.QuietLogger())

	res := seedResult(t, db, 0.9, true, map[string]interface{}{
		claim.EvidenceInvoice: "INV-1",
	})
	store := &fakeStore{docs: []Document{{ID: "inv", InvoiceNumber: "INV-1"}}}

	_, err := newTestMatcher(store, db, router).Match(ctx, res.ID)
	require.NoError(t, err)

	stored, err := db.GetResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.DispositionAutoSubmit), stored.Disposition)
}

func TestClientListDocuments(t *testing.T) {
	c := NewClient(config.EvidenceConfig{
		DocStoreBaseURL: "https://docs.test",
		DocStoreAPIKey:  "key",
		DocStoreRPS:     1000,
		CacheTTL:        time.Minute,
	}, storagetest.QuietLogger())
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "https://docs.test/v1/sellers/seller-1/documents",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "key", req.Header.Get("X-API-Key"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"documents": []map[string]interface{}{
					{"id": "doc-1", "invoiceNumber": "INV-1", "totalAmount": "99.50", "documentDate": "2024-02-01T00:00:00Z"},
				},
			})
		})

	ctx := context.Background()
	docs, err := c.ListDocuments(ctx, "seller-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "INV-1", docs[0].InvoiceNumber)
	assert.True(t, docs[0].TotalAmount.Valid)
	assert.True(t, docs[0].TotalAmount.Decimal.Equal(decimal.RequireFromString("99.50")))

	_, err = c.ListDocuments(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "second listing is served from cache")

	c.Invalidate("seller-1")
	_, err = c.ListDocuments(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestRefreshSeesNewlyIngestedDocuments(t *testing.T) {
	db := storagetest.New(t)
	ctx := context.Background()
	res := seedResult(t, db, 0.9, false, map[string]interface{}{
		claim.EvidenceInvoice: "INV-9",
	})

	c := NewClient(config.EvidenceConfig{
		DocStoreBaseURL: "https://docs.test",
		DocStoreRPS:     1000,
		CacheTTL:        10 * time.Minute,
	}, storagetest.QuietLogger())
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	docs := []map[string]interface{}{}
	httpmock.RegisterResponder(http.MethodGet, "https://docs.test/v1/sellers/seller-1/documents",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{"documents": docs})
		})

	m := newTestMatcher(c, db, nil)
	matches, err := m.Match(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	docs = append(docs, map[string]interface{}{"id": "doc-9", "invoiceNumber": "INV-9"})

	// Background matching keeps using the cached listing
	matches, err = m.Match(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	matches, err = m.Refresh(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-9", matches[0].DocumentID)
	assert.Equal(t, string(claim.MatchExactInvoice), matches[0].MatchType)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestClientErrors(t *testing.T) {
	c := NewClient(config.EvidenceConfig{DocStoreBaseURL: "https://docs.test", DocStoreRPS: 1000}, storagetest.QuietLogger())
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "https://docs.test/v1/sellers/down/documents",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream"))
	httpmock.RegisterResponder(http.MethodGet, "https://docs.test/v1/sellers/unknown/documents",
		httpmock.NewStringResponder(http.StatusNotFound, ""))

	_, err := c.ListDocuments(context.Background(), "down")
	require.Error(t, err)
	assert.True(t, claim.IsTransient(err))

	docs, err := c.ListDocuments(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, docs)
}
