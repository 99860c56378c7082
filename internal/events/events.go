package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an outbound lifecycle event
type Type string

const (
	TypeDispositionAssigned Type = "disposition.assigned"
	TypeClaimExpiring       Type = "claim.expiring"
	TypeClaimExpired        Type = "claim.expired"
	TypeBatchCompleted      Type = "detection.batch.completed"
)

// Event is the envelope delivered to every sink. Delivery is at-least-once;
// consumers deduplicate on IdempotencyKey.
type Event struct {
	EventID        string      `json:"eventId"`
	Type           Type        `json:"type"`
	IdempotencyKey string      `json:"idempotencyKey"`
	OccurredAt     time.Time   `json:"occurredAt"`
	Environment    string      `json:"environment,omitempty"`
	Payload        interface{} `json:"payload"`
}

// Publisher delivers events to one destination
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Name() string
}

// DispositionAssigned is emitted when triage (or an evidence upgrade) sets a
// result's disposition
type DispositionAssigned struct {
	ResultID        string          `json:"resultId"`
	SellerID        string          `json:"sellerId"`
	SyncBatchID     string          `json:"syncBatchId"`
	AnomalyType     string          `json:"anomalyType"`
	Severity        string          `json:"severity"`
	Disposition     string          `json:"disposition"`
	EstimatedValue  decimal.Decimal `json:"estimatedValue"`
	Currency        string          `json:"currency"`
	ConfidenceScore float64         `json:"confidenceScore"`
	ScoringFallback bool            `json:"scoringFallback"`
	EvidenceUpgrade bool            `json:"evidenceUpgrade,omitempty"`
}

// ClaimExpiring is emitted once when a result enters the alert window
type ClaimExpiring struct {
	ResultID       string          `json:"resultId"`
	SellerID       string          `json:"sellerId"`
	AnomalyType    string          `json:"anomalyType"`
	DaysRemaining  int             `json:"daysRemaining"`
	EstimatedValue decimal.Decimal `json:"estimatedValue"`
	Currency       string          `json:"currency"`
	DeadlineDate   time.Time       `json:"deadlineDate"`
}

// ClaimExpired is emitted when a result passes its deadline unresolved
type ClaimExpired struct {
	ResultID       string          `json:"resultId"`
	SellerID       string          `json:"sellerId"`
	AnomalyType    string          `json:"anomalyType"`
	EstimatedValue decimal.Decimal `json:"estimatedValue"`
	Currency       string          `json:"currency"`
	DeadlineDate   time.Time       `json:"deadlineDate"`
}

// BatchCompleted summarises one detection job
type BatchCompleted struct {
	JobID               int64                      `json:"jobId"`
	SellerID            string                     `json:"sellerId"`
	SyncBatchID         string                     `json:"syncBatchId"`
	Candidates          int                        `json:"candidates"`
	ScoringFallbacks    int                        `json:"scoringFallbacks"`
	CountsByDisposition map[string]int             `json:"countsByDisposition"`
	ValueByDisposition  map[string]decimal.Decimal `json:"valueByDisposition"`
	TotalValue          decimal.Decimal            `json:"totalValue"`
}

func newEvent(t Type, key string, payload interface{}, now time.Time) *Event {
	return &Event{
		EventID:        uuid.NewString(),
		Type:           t,
		IdempotencyKey: key,
		OccurredAt:     now.UTC(),
		Payload:        payload,
	}
}

// NewDispositionAssigned builds a disposition.assigned event. The key
// includes the disposition so an evidence upgrade is not deduplicated away.
func NewDispositionAssigned(p DispositionAssigned, now time.Time) *Event {
	key := fmt.Sprintf("%s:%s:%s", TypeDispositionAssigned, p.ResultID, p.Disposition)
	return newEvent(TypeDispositionAssigned, key, p, now)
}

// NewClaimExpiring builds a claim.expiring event
func NewClaimExpiring(p ClaimExpiring, now time.Time) *Event {
	return newEvent(TypeClaimExpiring, string(TypeClaimExpiring)+":"+p.ResultID, p, now)
}

// NewClaimExpired builds a claim.expired event
func NewClaimExpired(p ClaimExpired, now time.Time) *Event {
	return newEvent(TypeClaimExpired, string(TypeClaimExpired)+":"+p.ResultID, p, now)
}

// NewBatchCompleted builds a detection.batch.completed event
func NewBatchCompleted(p BatchCompleted, now time.Time) *Event {
	key := string(TypeBatchCompleted) + ":" + p.SellerID + ":" + p.SyncBatchID + ":" + strconv.FormatInt(p.JobID, 10)
	return newEvent(TypeBatchCompleted, key, p, now)
}

// Summary is a one-line human description used by chat and email sinks
func (e *Event) Summary() string {
	switch p := e.Payload.(type) {
	case DispositionAssigned:
		return fmt.Sprintf("%s %s %s %s (confidence %.2f) -> %s",
			p.Severity, p.AnomalyType, p.EstimatedValue.StringFixed(2), p.Currency, p.ConfidenceScore, p.Disposition)
	case ClaimExpiring:
		return fmt.Sprintf("%s claim worth %s %s expires in %d days (%s)",
			p.AnomalyType, p.EstimatedValue.StringFixed(2), p.Currency, p.DaysRemaining, p.DeadlineDate.Format("2006-01-02"))
	case ClaimExpired:
		return fmt.Sprintf("%s claim worth %s %s expired on %s",
			p.AnomalyType, p.EstimatedValue.StringFixed(2), p.Currency, p.DeadlineDate.Format("2006-01-02"))
	case BatchCompleted:
		return fmt.Sprintf("batch %s for seller %s: %d candidates, total %s",
			p.SyncBatchID, p.SellerID, p.Candidates, p.TotalValue.StringFixed(2))
	default:
		return string(e.Type)
	}
}
