package evidence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Weights of the fuzzy signals. A document matching on all three at full
// strength scores 1.0; missing signals contribute nothing.
const (
	weightSupplier = 0.5
	weightDate     = 0.25
	weightAmount   = 0.25
)

// Upgrader re-evaluates a result's disposition after its relevance changed
type Upgrader interface {
	ApplyEvidence(ctx context.Context, resultID string) (*storage.DetectionResult, error)
}

// Matcher links evidence documents to detection results
type Matcher struct {
	minRelevance float64
	dateWindow   time.Duration
	store        DocumentStore
	db           *storage.DB
	upgrader     Upgrader
	log          *logrus.Logger
	now          func() time.Time
}

// NewMatcher creates a new evidence matcher. upgrader may be nil.
func NewMatcher(cfg config.EvidenceConfig, store DocumentStore, db *storage.DB, upgrader Upgrader, log *logrus.Logger) *Matcher {
	window := time.Duration(cfg.DateWindowDays) * 24 * time.Hour
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Matcher{
		minRelevance: cfg.MinRelevance,
		dateWindow:   window,
		store:        store,
		db:           db,
		upgrader:     upgrader,
		log:          log,
		now:          time.Now,
	}
}

// SetClock replaces the matcher's time source
func (m *Matcher) SetClock(now func() time.Time) {
	m.now = now
}

// Match scores every document of the result's seller against it, replaces
// the result's previous matches with the ones above the relevance floor and
// lets triage react to the new aggregate relevance.
func (m *Matcher) Match(ctx context.Context, resultID string) ([]storage.EvidenceMatch, error) {
	return m.match(ctx, resultID, false)
}

// Refresh is Match against the seller's current documents. Any cached
// listing is dropped first so documents ingested since the last run count.
func (m *Matcher) Refresh(ctx context.Context, resultID string) ([]storage.EvidenceMatch, error) {
	return m.match(ctx, resultID, true)
}

func (m *Matcher) match(ctx context.Context, resultID string, fresh bool) ([]storage.EvidenceMatch, error) {
	res, err := m.db.GetResult(ctx, resultID)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	if res == nil {
		return nil, claim.ErrNotFound
	}

	if inv, ok := m.store.(Invalidator); ok && fresh {
		inv.Invalidate(res.SellerID)
	}

	docs, err := m.store.ListDocuments(ctx, res.SellerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	subject := subjectOf(res)
	matches := make([]storage.EvidenceMatch, 0)
	var aggregate float64
	for i := range docs {
		matchType, relevance := m.Score(subject, &docs[i])
		if relevance <= 0 || relevance < m.minRelevance {
			continue
		}
		matches = append(matches, storage.EvidenceMatch{
			DocumentID:     docs[i].ID,
			MatchType:      string(matchType),
			RelevanceScore: relevance,
		})
		aggregate = math.Max(aggregate, relevance)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].RelevanceScore != matches[j].RelevanceScore {
			return matches[i].RelevanceScore > matches[j].RelevanceScore
		}
		return matches[i].DocumentID < matches[j].DocumentID
	})

	if err := m.db.ReplaceMatches(ctx, res.ID, matches, aggregate, m.now()); err != nil {
		return nil, fmt.Errorf("replace matches: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"result_id":          res.ID,
		"documents":          len(docs),
		"matches":            len(matches),
		"evidence_relevance": aggregate,
	}).Info("Evidence matched")

	if m.upgrader != nil {
		if _, err := m.upgrader.ApplyEvidence(ctx, res.ID); err != nil {
			return matches, fmt.Errorf("apply evidence: %w", err)
		}
	}

	return matches, nil
}

// Subject is the part of a detection result documents are compared against
type Subject struct {
	InvoiceNumber  string
	SKU            string
	ASIN           string
	SupplierName   string
	EventDate      time.Time
	EstimatedValue decimal.Decimal
}

func subjectOf(res *storage.DetectionResult) Subject {
	s := Subject{EstimatedValue: res.EstimatedValue}
	s.InvoiceNumber = evidenceString(res, claim.EvidenceInvoice)
	s.SKU = evidenceString(res, claim.EvidenceSKU)
	s.ASIN = evidenceString(res, claim.EvidenceASIN)
	s.SupplierName = evidenceString(res, claim.EvidenceSupplier)
	if raw := evidenceString(res, claim.EvidenceEventDate); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.EventDate = t
		}
	}
	return s
}

func evidenceString(res *storage.DetectionResult, key string) string {
	if res.Evidence == nil {
		return ""
	}
	v, ok := res.Evidence[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Score rates one document against a subject. Identifier matches
// short-circuit to 1.0; otherwise supplier, date and amount proximity are
// weighted together and the strongest contributor names the match type.
func (m *Matcher) Score(s Subject, doc *Document) (claim.MatchType, float64) {
	if s.InvoiceNumber != "" && strings.EqualFold(strings.TrimSpace(doc.InvoiceNumber), s.InvoiceNumber) {
		return claim.MatchExactInvoice, 1.0
	}
	if s.SKU != "" && containsFold(doc.SKUs, s.SKU) {
		return claim.MatchSKU, 1.0
	}
	if s.ASIN != "" && containsFold(doc.ASINs, s.ASIN) {
		return claim.MatchASIN, 1.0
	}

	supplier := 0.0
	if s.SupplierName != "" && doc.SupplierName != "" {
		supplier = weightSupplier * NameSimilarity(s.SupplierName, doc.SupplierName)
	}

	date := 0.0
	if !s.EventDate.IsZero() && !doc.DocumentDate.IsZero() {
		gap := math.Abs(s.EventDate.Sub(doc.DocumentDate).Hours())
		window := m.dateWindow.Hours()
		if gap < window {
			date = weightDate * (1 - gap/window)
		}
	}

	amount := 0.0
	if doc.TotalAmount.Valid && s.EstimatedValue.IsPositive() && doc.TotalAmount.Decimal.IsPositive() {
		a, _ := s.EstimatedValue.Float64()
		b, _ := doc.TotalAmount.Decimal.Float64()
		amount = weightAmount * (1 - math.Abs(a-b)/math.Max(a, b))
	}

	total := claim.ClampScore(supplier + date + amount)
	var matchType claim.MatchType
	switch {
	case supplier >= date && supplier >= amount:
		matchType = claim.MatchSupplierFuzzy
	case date >= amount:
		matchType = claim.MatchDate
	default:
		matchType = claim.MatchAmount
	}
	return matchType, math.Round(total*10000) / 10000
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
