package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Router assigns dispositions to scored candidates and persists them as
// detection results. It owns the confidence, disposition, severity and
// status columns of a result.
type Router struct {
	cfg            config.TriageConfig
	deadlineWindow time.Duration
	db             *storage.DB
	publisher      events.Publisher
	log            *logrus.Logger
	now            func() time.Time
}

// NewRouter creates a new triage router
func NewRouter(cfg config.TriageConfig, lifecycle config.LifecycleConfig, db *storage.DB, publisher events.Publisher, log *logrus.Logger) *Router {
	return &Router{
		cfg:            cfg,
		deadlineWindow: time.Duration(lifecycle.DeadlineWindowDays) * 24 * time.Hour,
		db:             db,
		publisher:      publisher,
		log:            log,
		now:            time.Now,
	}
}

// SetClock replaces the router's time source
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Summary aggregates one triage run for the batch-completed event
type Summary struct {
	Candidates          int
	ScoringFallbacks    int
	CountsByDisposition map[claim.Disposition]int
	ValueByDisposition  map[claim.Disposition]decimal.Decimal
	TotalValue          decimal.Decimal
}

func newSummary() *Summary {
	s := &Summary{
		CountsByDisposition: make(map[claim.Disposition]int),
		ValueByDisposition:  make(map[claim.Disposition]decimal.Decimal),
	}
	for _, d := range claim.Dispositions {
		s.CountsByDisposition[d] = 0
		s.ValueByDisposition[d] = decimal.Zero
	}
	return s
}

func (s *Summary) add(res *storage.DetectionResult) {
	d := claim.Disposition(res.Disposition)
	s.Candidates++
	if res.ScoringFallback {
		s.ScoringFallbacks++
	}
	s.CountsByDisposition[d]++
	s.ValueByDisposition[d] = s.ValueByDisposition[d].Add(res.EstimatedValue)
	s.TotalValue = s.TotalValue.Add(res.EstimatedValue)
}

// Triage persists one result per scored candidate. Re-triaging a candidate
// with a known fingerprint updates the existing result in place.
func (r *Router) Triage(ctx context.Context, jobID int64, scored []claim.ScoredCandidate) ([]storage.DetectionResult, *Summary, error) {
	summary := newSummary()
	results := make([]storage.DetectionResult, 0, len(scored))

	for i := range scored {
		res, assigned, err := r.upsert(ctx, jobID, &scored[i])
		if err != nil {
			return nil, nil, fmt.Errorf("triage candidate %d: %w", i, err)
		}
		summary.add(res)
		results = append(results, *res)

		if assigned {
			metrics.RecordDisposition(res.Disposition, res.Severity)
			r.publish(ctx, events.NewDispositionAssigned(assignedPayload(res, false), r.now()))
		}
	}

	return results, summary, nil
}

// upsert creates or refreshes the result for a candidate and reports whether
// a (new) disposition was assigned
func (r *Router) upsert(ctx context.Context, jobID int64, sc *claim.ScoredCandidate) (*storage.DetectionResult, bool, error) {
	fingerprint := sc.Fingerprint()
	score := claim.ClampScore(sc.ConfidenceScore)

	existing, err := r.db.GetResultByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("lookup fingerprint: %w", err)
	}

	if existing == nil {
		res := r.newResult(jobID, sc, fingerprint, score)
		err := r.db.CreateResult(ctx, res)
		if err == nil {
			return res, true, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("create result: %w", err)
		}
		// A concurrent run inserted the same fingerprint first
		existing, err = r.db.GetResultByFingerprint(ctx, fingerprint)
		if err != nil || existing == nil {
			return nil, false, fmt.Errorf("reload result after conflict: %w", err)
		}
	}

	// Resolved and expired results keep the disposition they closed with
	if claim.Status(existing.Status).Terminal() {
		return existing, false, nil
	}

	disposition := r.Disposition(score, sc.ScoringFallback, existing.EvidenceRelevance)
	severity := r.Severity(sc.EstimatedValue, sc.Type)
	updates := map[string]interface{}{
		"job_id":           jobID,
		"confidence_score": score,
		"disposition":      string(disposition),
		"scoring_fallback": sc.ScoringFallback,
		"severity":         string(severity),
		"estimated_value":  sc.EstimatedValue,
		"currency":         claim.NormalizeCurrency(sc.Currency),
		"evidence":         evidencePayload(sc),
		"updated_ts":       r.now().Unix(),
	}
	if err := r.db.UpdateResult(ctx, existing.ID, updates); err != nil {
		return nil, false, fmt.Errorf("update result: %w", err)
	}

	changed := existing.Disposition != string(disposition)
	existing.JobID = jobID
	existing.ConfidenceScore = score
	existing.Disposition = string(disposition)
	existing.ScoringFallback = sc.ScoringFallback
	existing.Severity = string(severity)
	existing.EstimatedValue = sc.EstimatedValue
	existing.Currency = claim.NormalizeCurrency(sc.Currency)
	existing.Evidence = evidencePayload(sc)
	return existing, changed, nil
}

func (r *Router) newResult(jobID int64, sc *claim.ScoredCandidate, fingerprint string, score float64) *storage.DetectionResult {
	now := r.now()
	res := &storage.DetectionResult{
		ID:              uuid.NewString(),
		Fingerprint:     fingerprint,
		JobID:           jobID,
		SellerID:        sc.SellerID,
		SyncBatchID:     sc.SyncBatchID,
		AnomalyType:     string(sc.Type),
		Severity:        string(r.Severity(sc.EstimatedValue, sc.Type)),
		EstimatedValue:  sc.EstimatedValue,
		Currency:        claim.NormalizeCurrency(sc.Currency),
		ConfidenceScore: score,
		Disposition:     string(r.Disposition(score, sc.ScoringFallback, 0)),
		ScoringFallback: sc.ScoringFallback,
		Status:          string(claim.StatusPending),
		Evidence:        evidencePayload(sc),
		DiscoveryTS:     now.Unix(),
		DeadlineTS:      now.Add(r.deadlineWindow).Unix(),
		CreatedTS:       now.Unix(),
		UpdatedTS:       now.Unix(),
	}
	res.SetRecordIDs(sc.RelatedRecordIDs)
	return res
}

// ApplyEvidence re-evaluates a result's disposition after its evidence
// relevance changed. Evidence only ever raises a disposition, and only for
// results that are still open.
func (r *Router) ApplyEvidence(ctx context.Context, resultID string) (*storage.DetectionResult, error) {
	res, err := r.db.GetResult(ctx, resultID)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	if res == nil {
		return nil, claim.ErrNotFound
	}

	status := claim.Status(res.Status)
	if status.Terminal() {
		return res, nil
	}

	current := claim.Disposition(res.Disposition)
	next := r.Disposition(res.ConfidenceScore, res.ScoringFallback, res.EvidenceRelevance)
	if next.Rank() <= current.Rank() {
		return res, nil
	}

	ok, err := r.db.TransitionResult(ctx, res.ID, status, map[string]interface{}{
		"disposition": string(next),
		"updated_ts":  r.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("upgrade disposition: %w", err)
	}
	if !ok {
		// Status moved underneath us; the next match run will retry
		return r.db.GetResult(ctx, resultID)
	}

	res.Disposition = string(next)
	metrics.RecordEvidenceUpgrade()
	metrics.RecordDisposition(res.Disposition, res.Severity)

	r.log.WithFields(logrus.Fields{
		"result_id":          res.ID,
		"from":               current,
		"to":                 next,
		"evidence_relevance": res.EvidenceRelevance,
	}).Info("Disposition upgraded by evidence")

	r.publish(ctx, events.NewDispositionAssigned(assignedPayload(res, true), r.now()))
	return res, nil
}

func (r *Router) publish(ctx context.Context, event *events.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.log.WithFields(logrus.Fields{
			"event_type":      event.Type,
			"idempotency_key": event.IdempotencyKey,
			"error":           err.Error(),
		}).Warn("Failed to publish event")
	}
}

func assignedPayload(res *storage.DetectionResult, upgrade bool) events.DispositionAssigned {
	return events.DispositionAssigned{
		ResultID:        res.ID,
		SellerID:        res.SellerID,
		SyncBatchID:     res.SyncBatchID,
		AnomalyType:     res.AnomalyType,
		Severity:        res.Severity,
		Disposition:     res.Disposition,
		EstimatedValue:  res.EstimatedValue,
		Currency:        res.Currency,
		ConfidenceScore: res.ConfidenceScore,
		ScoringFallback: res.ScoringFallback,
		EvidenceUpgrade: upgrade,
	}
}

func evidencePayload(sc *claim.ScoredCandidate) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(sc.EvidenceContext)+1)
	for k, v := range sc.EvidenceContext {
		out[k] = v
	}
	out[claim.EvidenceScoringFallback] = sc.ScoringFallback
	return out
}
