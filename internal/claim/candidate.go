package claim

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Evidence keys written by the pipeline
const (
	EvidenceScoringFallback = "scoringFallback"
	EvidenceSignal          = "signal"
	EvidenceDetector        = "detector"

	// Identifiers copied from source records so the evidence matcher can
	// link documents without reloading the batch
	EvidenceSKU       = "sku"
	EvidenceASIN      = "asin"
	EvidenceInvoice   = "invoiceNumber"
	EvidenceSupplier  = "supplierName"
	EvidenceEventDate = "eventDate"
)

// Candidate is an unscored, detector-produced anomaly signal. It lives only
// for the duration of a detection run.
type Candidate struct {
	Type             AnomalyType
	SellerID         string
	SyncBatchID      string
	EstimatedValue   decimal.Decimal
	Currency         string
	RelatedRecordIDs []string
	EvidenceContext  map[string]interface{}

	// Signal is the detector-specific strength in [0,1] that drives the
	// heuristic score when the oracle cannot be used.
	Signal float64
}

// Fingerprint identifies a candidate across re-runs of the same seller's
// sync batch. Record ids are order-insensitive; the anomaly type separates detectors
// that flag the same records for different reasons.
func (c *Candidate) Fingerprint() string {
	ids := append([]string(nil), c.RelatedRecordIDs...)
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(c.SellerID))
	h.Write([]byte{0})
	h.Write([]byte(c.SyncBatchID))
	h.Write([]byte{0})
	h.Write([]byte(c.Type))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// ScoredCandidate is a candidate with its confidence score attached
type ScoredCandidate struct {
	Candidate
	ConfidenceScore float64
	ScoringFallback bool
}

// ClampScore bounds a score to [0,1]; NaN maps to 0
func ClampScore(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
