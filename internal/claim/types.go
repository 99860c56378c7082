// Package claim holds the vocabulary shared by the detection pipeline:
// anomaly types, dispositions, the result lifecycle and the normalized
// marketplace records detectors operate on.
package claim

import "strings"

// AnomalyType identifies the detector that produced a candidate
type AnomalyType string

const (
	AnomalyMissingUnit     AnomalyType = "missing-unit"
	AnomalyOvercharge      AnomalyType = "overcharge"
	AnomalyDamagedStock    AnomalyType = "damaged-stock"
	AnomalyIncorrectFee    AnomalyType = "incorrect-fee"
	AnomalyDuplicateCharge AnomalyType = "duplicate-charge"
)

// AnomalyTypes lists every supported anomaly type in detector order
var AnomalyTypes = []AnomalyType{
	AnomalyMissingUnit,
	AnomalyOvercharge,
	AnomalyDamagedStock,
	AnomalyIncorrectFee,
	AnomalyDuplicateCharge,
}

// Valid reports whether t is one of the known anomaly types
func (t AnomalyType) Valid() bool {
	for _, known := range AnomalyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is a value/type derived urgency tier, independent of confidence
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists severities from least to most urgent
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Disposition is the triage outcome for a scored candidate
type Disposition string

const (
	DispositionAutoSubmit   Disposition = "auto-submit-eligible"
	DispositionNeedsReview  Disposition = "needs-review"
	DispositionManualReview Disposition = "manual-review-queue"
)

// Dispositions lists dispositions from most to least trusted
var Dispositions = []Disposition{DispositionAutoSubmit, DispositionNeedsReview, DispositionManualReview}

// Rank orders dispositions so that a higher rank is closer to auto-submission
func (d Disposition) Rank() int {
	switch d {
	case DispositionAutoSubmit:
		return 2
	case DispositionNeedsReview:
		return 1
	default:
		return 0
	}
}

func (d Disposition) Valid() bool {
	switch d {
	case DispositionAutoSubmit, DispositionNeedsReview, DispositionManualReview:
		return true
	}
	return false
}

// ConfidenceBand buckets a confidence score using the triage thresholds
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// ConfidenceBands lists bands from highest to lowest
var ConfidenceBands = []ConfidenceBand{BandHigh, BandMedium, BandLow}

func (b ConfidenceBand) Valid() bool {
	switch b {
	case BandHigh, BandMedium, BandLow:
		return true
	}
	return false
}

// JobStatus is the state of a DetectionJob in the queue
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job will never run again on its own
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// MatchType describes how an evidence document was linked to a result
type MatchType string

const (
	MatchExactInvoice  MatchType = "exact-invoice"
	MatchSKU           MatchType = "sku"
	MatchASIN          MatchType = "asin"
	MatchSupplierFuzzy MatchType = "supplier-fuzzy"
	MatchDate          MatchType = "date"
	MatchAmount        MatchType = "amount"
)

// Exact reports whether the match came from an identifier short-circuit
func (m MatchType) Exact() bool {
	return m == MatchExactInvoice || m == MatchSKU || m == MatchASIN
}

// NormalizeCurrency upper-cases an ISO currency code, defaulting to USD
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "USD"
	}
	return code
}
