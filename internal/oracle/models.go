package oracle

import (
	"github.com/liamashdown/claimwatch/internal/claim"
)

// scoreRequest is the batch sent to the oracle
type scoreRequest struct {
	Candidates []candidateFeatures `json:"candidates"`
}

// candidateFeatures is the feature record for one candidate
type candidateFeatures struct {
	Type             string                 `json:"type"`
	SellerID         string                 `json:"sellerId"`
	SyncBatchID      string                 `json:"syncBatchId"`
	EstimatedValue   string                 `json:"estimatedValue"`
	Currency         string                 `json:"currency"`
	RelatedRecordIDs []string               `json:"relatedRecordIds"`
	Signal           float64                `json:"signal"`
	Features         map[string]interface{} `json:"features,omitempty"`
}

// scoreResponse carries one score per submitted candidate, in order
type scoreResponse struct {
	Scores       []float64 `json:"scores"`
	ModelVersion string    `json:"modelVersion,omitempty"`
}

func newScoreRequest(candidates []claim.Candidate) scoreRequest {
	req := scoreRequest{Candidates: make([]candidateFeatures, len(candidates))}
	for i, c := range candidates {
		req.Candidates[i] = candidateFeatures{
			Type:             string(c.Type),
			SellerID:         c.SellerID,
			SyncBatchID:      c.SyncBatchID,
			EstimatedValue:   c.EstimatedValue.StringFixed(2),
			Currency:         claim.NormalizeCurrency(c.Currency),
			RelatedRecordIDs: c.RelatedRecordIDs,
			Signal:           c.Signal,
			Features:         c.EvidenceContext,
		}
	}
	return req
}
