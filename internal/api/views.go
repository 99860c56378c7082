package api

import (
	"time"

	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/lifecycle"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
)

// JobView is the JSON form of a detection job
type JobView struct {
	ID           int64      `json:"jobId"`
	SellerID     string     `json:"sellerId"`
	SyncBatchID  string     `json:"syncBatchId"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	AvailableAt  time.Time  `json:"availableAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

func jobView(j *storage.DetectionJob) JobView {
	v := JobView{
		ID:           j.ID,
		SellerID:     j.SellerID,
		SyncBatchID:  j.SyncBatchID,
		Status:       j.Status,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ErrorMessage: j.ErrorMessage,
		AvailableAt:  time.UnixMilli(j.AvailableMS).UTC(),
		CreatedAt:    time.Unix(j.CreatedTS, 0).UTC(),
	}
	if j.FinishedTS > 0 {
		t := time.Unix(j.FinishedTS, 0).UTC()
		v.FinishedAt = &t
	}
	return v
}

// ResultView is the JSON form of a detection result. DaysRemaining is
// computed at render time.
type ResultView struct {
	ID                  string                 `json:"id"`
	JobID               int64                  `json:"jobId"`
	SellerID            string                 `json:"sellerId"`
	SyncBatchID         string                 `json:"syncBatchId"`
	AnomalyType         string                 `json:"anomalyType"`
	Severity            string                 `json:"severity"`
	EstimatedValue      decimal.Decimal        `json:"estimatedValue"`
	Currency            string                 `json:"currency"`
	ConfidenceScore     float64                `json:"confidenceScore"`
	ConfidenceBand      string                 `json:"confidenceBand"`
	Disposition         string                 `json:"disposition"`
	ScoringFallback     bool                   `json:"scoringFallback"`
	Status              string                 `json:"status"`
	StatusNotes         string                 `json:"statusNotes,omitempty"`
	Evidence            map[string]interface{} `json:"evidence"`
	RelatedRecordIDs    []string               `json:"relatedRecordIds"`
	EvidenceRelevance   float64                `json:"evidenceRelevance"`
	MatchCount          int                    `json:"matchCount"`
	DiscoveryDate       time.Time              `json:"discoveryDate"`
	DeadlineDate        time.Time              `json:"deadlineDate"`
	DaysRemaining       int                    `json:"daysRemaining"`
	ExpirationAlertSent bool                   `json:"expirationAlertSent"`
	RecoveredAmount     *decimal.Decimal       `json:"recoveredAmount,omitempty"`
	ResolutionNotes     string                 `json:"resolutionNotes,omitempty"`
	ResolvedAt          *time.Time             `json:"resolvedAt,omitempty"`
	Matches             []MatchView            `json:"matches,omitempty"`
}

// MatchView is the JSON form of an evidence match
type MatchView struct {
	DocumentID     string  `json:"documentId"`
	MatchType      string  `json:"matchType"`
	RelevanceScore float64 `json:"relevanceScore"`
}

func resultView(r *storage.DetectionResult, cfg config.TriageConfig, now time.Time) ResultView {
	v := ResultView{
		ID:                  r.ID,
		JobID:               r.JobID,
		SellerID:            r.SellerID,
		SyncBatchID:         r.SyncBatchID,
		AnomalyType:         r.AnomalyType,
		Severity:            r.Severity,
		EstimatedValue:      r.EstimatedValue,
		Currency:            r.Currency,
		ConfidenceScore:     r.ConfidenceScore,
		ConfidenceBand:      string(triage.Band(r.ConfidenceScore, cfg)),
		Disposition:         r.Disposition,
		ScoringFallback:     r.ScoringFallback,
		Status:              r.Status,
		StatusNotes:         r.StatusNotes,
		Evidence:            r.Evidence,
		RelatedRecordIDs:    r.RecordIDs(),
		EvidenceRelevance:   r.EvidenceRelevance,
		MatchCount:          r.MatchCount,
		DiscoveryDate:       r.DiscoveryDate(),
		DeadlineDate:        r.DeadlineDate(),
		DaysRemaining:       lifecycle.DaysRemaining(r.DeadlineDate(), now),
		ExpirationAlertSent: r.ExpirationAlertSent,
		ResolutionNotes:     r.ResolutionNotes,
	}
	if v.Evidence == nil {
		v.Evidence = map[string]interface{}{}
	}
	if v.RelatedRecordIDs == nil {
		v.RelatedRecordIDs = []string{}
	}
	if r.RecoveredAmount.Valid {
		amount := r.RecoveredAmount.Decimal
		v.RecoveredAmount = &amount
	}
	if r.ResolvedTS > 0 {
		t := time.Unix(r.ResolvedTS, 0).UTC()
		v.ResolvedAt = &t
	}
	return v
}

func matchViews(matches []storage.EvidenceMatch) []MatchView {
	out := make([]MatchView, 0, len(matches))
	for _, m := range matches {
		out = append(out, MatchView{
			DocumentID:     m.DocumentID,
			MatchType:      m.MatchType,
			RelevanceScore: m.RelevanceScore,
		})
	}
	return out
}

// ResultPage is a paginated result listing
type ResultPage struct {
	Results  []ResultView `json:"results"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}
