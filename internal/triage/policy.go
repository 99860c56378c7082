package triage

import (
	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/shopspring/decimal"
)

// typeWeight scales estimated value before it is compared against the
// severity tiers
var typeWeight = map[claim.AnomalyType]float64{
	claim.AnomalyMissingUnit:     1.2,
	claim.AnomalyOvercharge:      1.0,
	claim.AnomalyDamagedStock:    1.0,
	claim.AnomalyIncorrectFee:    0.8,
	claim.AnomalyDuplicateCharge: 1.5,
}

// Bucket maps a confidence score to its disposition. The auto-submit
// boundary is inclusive, as is the review boundary.
func Bucket(score float64, cfg config.TriageConfig) claim.Disposition {
	score = claim.ClampScore(score)
	switch {
	case score >= cfg.AutoSubmitThreshold:
		return claim.DispositionAutoSubmit
	case score >= cfg.ReviewThreshold:
		return claim.DispositionNeedsReview
	default:
		return claim.DispositionManualReview
	}
}

// Band maps a confidence score to its confidence band
func Band(score float64, cfg config.TriageConfig) claim.ConfidenceBand {
	switch Bucket(score, cfg) {
	case claim.DispositionAutoSubmit:
		return claim.BandHigh
	case claim.DispositionNeedsReview:
		return claim.BandMedium
	default:
		return claim.BandLow
	}
}

// BandRange returns the [lo, hi) confidence range of a band. hi is nil for
// the high band.
func BandRange(band claim.ConfidenceBand, cfg config.TriageConfig) (float64, *float64) {
	switch band {
	case claim.BandHigh:
		return cfg.AutoSubmitThreshold, nil
	case claim.BandMedium:
		hi := cfg.AutoSubmitThreshold
		return cfg.ReviewThreshold, &hi
	default:
		hi := cfg.ReviewThreshold
		return 0, &hi
	}
}

// Bucket is the pure score bucket under the router's thresholds
func (r *Router) Bucket(score float64) claim.Disposition {
	return Bucket(score, r.cfg)
}

// Band is the confidence band under the router's thresholds
func (r *Router) Band(score float64) claim.ConfidenceBand {
	return Band(score, r.cfg)
}

// Disposition decides the disposition stored on a result.
//
// A heuristic score never earns auto-submission by itself: fallback results
// that bucket as auto-submit are held at needs-review. A needs-review result
// is lifted to auto-submit only when both its confidence and its evidence
// relevance reach the auto-submit threshold. Relevance never lowers a
// result and never lifts one out of the manual queue.
func (r *Router) Disposition(score float64, fallback bool, relevance float64) claim.Disposition {
	d := r.Bucket(score)
	if d == claim.DispositionAutoSubmit && fallback {
		d = claim.DispositionNeedsReview
	}
	if d == claim.DispositionNeedsReview &&
		claim.ClampScore(score) >= r.cfg.AutoSubmitThreshold &&
		claim.ClampScore(relevance) >= r.cfg.AutoSubmitThreshold {
		d = claim.DispositionAutoSubmit
	}
	return d
}

// Severity derives urgency from estimated value and anomaly type only
func (r *Router) Severity(value decimal.Decimal, t claim.AnomalyType) claim.Severity {
	weight, ok := typeWeight[t]
	if !ok {
		weight = 1.0
	}
	weighted, _ := value.Abs().Mul(decimal.NewFromFloat(weight)).Float64()

	switch {
	case weighted >= r.cfg.SeverityCriticalUSD:
		return claim.SeverityCritical
	case weighted >= r.cfg.SeverityHighUSD:
		return claim.SeverityHigh
	case weighted >= r.cfg.SeverityMediumUSD:
		return claim.SeverityMedium
	default:
		return claim.SeverityLow
	}
}
