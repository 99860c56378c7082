package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Scorer assigns confidence scores to a batch of candidates. Implementations
// return exactly one score in [0,1] per candidate, in order, or an error.
type Scorer interface {
	Score(ctx context.Context, candidates []claim.Candidate) ([]float64, error)
}

// Engine runs the detectors over a batch and scores what they find
type Engine struct {
	cfg          config.DetectionConfig
	scoreTimeout time.Duration
	fees         *FeeSchedule
	scorer       Scorer
	log          *logrus.Logger
}

// NewEngine creates a detection engine. scorer may be nil, in which case
// every candidate gets its heuristic score.
func NewEngine(cfg config.DetectionConfig, scoreTimeout time.Duration, fees *FeeSchedule, scorer Scorer, log *logrus.Logger) *Engine {
	if fees == nil {
		fees = DefaultFeeSchedule()
	}
	if cfg.ScoringBatchSize <= 0 {
		cfg.ScoringBatchSize = config.DefaultDetection().ScoringBatchSize
	}
	return &Engine{
		cfg:          cfg,
		scoreTimeout: scoreTimeout,
		fees:         fees,
		scorer:       scorer,
		log:          log,
	}
}

// Run detects and scores every candidate in the batch
func (e *Engine) Run(ctx context.Context, batch *claim.Batch) ([]claim.ScoredCandidate, error) {
	candidates, err := e.Detect(ctx, batch)
	if err != nil {
		return nil, err
	}
	return e.Score(ctx, candidates)
}

// Detect runs all detectors concurrently. Candidate order follows detector
// order but carries no meaning.
func (e *Engine) Detect(ctx context.Context, batch *claim.Batch) ([]claim.Candidate, error) {
	detectors := e.detectors()
	found := make([][]claim.Candidate, len(detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range detectors {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			candidates := d.run(batch)
			for j := range candidates {
				e.stamp(&candidates[j], batch, d.kind)
			}
			found[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run detectors: %w", err)
	}

	var out []claim.Candidate
	for i, candidates := range found {
		metrics.RecordCandidates(string(detectors[i].kind), len(candidates))
		out = append(out, candidates...)
	}

	e.log.WithFields(logrus.Fields{
		"seller_id":     batch.SellerID,
		"sync_batch_id": batch.SyncBatchID,
		"records":       batch.Size(),
		"candidates":    len(out),
	}).Debug("Detectors finished")

	return out, nil
}

func (e *Engine) stamp(c *claim.Candidate, batch *claim.Batch, kind claim.AnomalyType) {
	c.Type = kind
	c.SellerID = batch.SellerID
	c.SyncBatchID = batch.SyncBatchID
	c.Currency = claim.NormalizeCurrency(c.Currency)
	c.Signal = claim.ClampScore(c.Signal)
	if c.EvidenceContext == nil {
		c.EvidenceContext = map[string]interface{}{}
	}
	c.EvidenceContext[claim.EvidenceDetector] = string(kind)
	c.EvidenceContext[claim.EvidenceSignal] = c.Signal
}

// Score requests oracle scores in batches of ScoringBatchSize. A batch whose
// oracle call fails or times out is scored heuristically and flagged with
// scoringFallback=true; other batches are unaffected. Only cancellation of
// ctx itself is returned as an error.
func (e *Engine) Score(ctx context.Context, candidates []claim.Candidate) ([]claim.ScoredCandidate, error) {
	out := make([]claim.ScoredCandidate, 0, len(candidates))

	for start := 0; start < len(candidates); start += e.cfg.ScoringBatchSize {
		end := start + e.cfg.ScoringBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		scores, err := e.scoreChunk(ctx, chunk)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("score candidates: %w", ctxErr)
		}
		fallback := err != nil
		if fallback {
			e.log.WithFields(logrus.Fields{
				"candidates": len(chunk),
				"error":      err.Error(),
			}).Warn("Scoring oracle unavailable, using heuristic scores")
		}

		for i, c := range chunk {
			var score float64
			if fallback {
				score = HeuristicScore(c.Type, c.Signal)
			} else {
				score = claim.ClampScore(scores[i])
			}
			if c.EvidenceContext == nil {
				c.EvidenceContext = map[string]interface{}{}
			}
			c.EvidenceContext[claim.EvidenceScoringFallback] = fallback

			metrics.RecordScore(score, fallback)
			out = append(out, claim.ScoredCandidate{
				Candidate:       c,
				ConfidenceScore: score,
				ScoringFallback: fallback,
			})
		}
	}
	return out, nil
}

func (e *Engine) scoreChunk(ctx context.Context, chunk []claim.Candidate) ([]float64, error) {
	if e.scorer == nil {
		return nil, fmt.Errorf("no scoring oracle configured")
	}
	if e.scoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.scoreTimeout)
		defer cancel()
	}

	scores, err := e.scorer.Score(ctx, chunk)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(chunk) {
		return nil, fmt.Errorf("scorer returned %d scores for %d candidates", len(scores), len(chunk))
	}
	return scores, nil
}
