package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AppState stores small pieces of service state (e.g. last deadline sweep)
type AppState struct {
	StateKey   string `gorm:"primaryKey;size:64"`
	StateValue string `gorm:"type:text;not null"`
	UpdatedTS  int64  `gorm:"not null;index"`
}

func (AppState) TableName() string {
	return "app_state"
}

// DetectionJob is one queued detection run for a (seller, sync batch).
// ActiveKey is set while the job is non-terminal and cleared on completion
// or dead-lettering, so the unique index enforces one live job per batch.
type DetectionJob struct {
	ID           int64             `gorm:"primaryKey;autoIncrement"`
	SellerID     string            `gorm:"size:128;not null;index:idx_jobs_seller_batch"`
	SyncBatchID  string            `gorm:"size:128;not null;index:idx_jobs_seller_batch"`
	ActiveKey    *string           `gorm:"size:300;uniqueIndex"`
	Status       string            `gorm:"size:16;not null;index:idx_jobs_claim,priority:1"`
	Priority     int               `gorm:"not null;default:5;index:idx_jobs_claim,priority:2"`
	Attempts     int               `gorm:"not null;default:0"`
	MaxAttempts  int               `gorm:"not null;default:3"`
	Payload      datatypes.JSONMap `gorm:"type:json"`
	ErrorMessage string            `gorm:"type:text"`
	AvailableMS  int64             `gorm:"not null;index"` // unix millis; backoff needs sub-second precision
	ClaimedTS    int64             `gorm:"not null;default:0"`
	FinishedTS   int64             `gorm:"not null;default:0"`
	CreatedTS    int64             `gorm:"not null;index"`
	UpdatedTS    int64             `gorm:"not null"`
}

func (DetectionJob) TableName() string {
	return "detection_jobs"
}

// DetectionResult is the durable record of a triaged anomaly.
// Triage owns the confidence/disposition/status columns, the evidence
// matcher owns EvidenceRelevance and MatchCount.
type DetectionResult struct {
	ID                  string              `gorm:"primaryKey;size:36"`
	Fingerprint         string              `gorm:"size:64;not null;uniqueIndex"`
	JobID               int64               `gorm:"not null;default:0;index"`
	SellerID            string              `gorm:"size:128;not null;index"`
	SyncBatchID         string              `gorm:"size:128;not null;index"`
	AnomalyType         string              `gorm:"size:32;not null;index"`
	Severity            string              `gorm:"size:16;not null;index"`
	EstimatedValue      decimal.Decimal     `gorm:"type:decimal(20,6);not null"`
	Currency            string              `gorm:"size:3;not null"`
	ConfidenceScore     float64             `gorm:"not null;index"`
	Disposition         string              `gorm:"size:32;not null;index"`
	ScoringFallback     bool                `gorm:"not null;default:false"`
	Status              string              `gorm:"size:16;not null;index"`
	StatusNotes         string              `gorm:"type:text"`
	Evidence            datatypes.JSONMap   `gorm:"type:json"`
	RelatedRecordIDs    datatypes.JSON      `gorm:"type:json"`
	EvidenceRelevance   float64             `gorm:"not null;default:0"`
	MatchCount          int                 `gorm:"not null;default:0"`
	DiscoveryTS         int64               `gorm:"not null;index"`
	DeadlineTS          int64               `gorm:"not null;index"`
	ExpirationAlertSent bool                `gorm:"not null;default:false;index"`
	RecoveredAmount     decimal.NullDecimal `gorm:"type:decimal(20,6)"`
	ResolutionNotes     string              `gorm:"type:text"`
	ResolvedTS          int64               `gorm:"not null;default:0"`
	CreatedTS           int64               `gorm:"not null;index"`
	UpdatedTS           int64               `gorm:"not null"`
}

func (DetectionResult) TableName() string {
	return "detection_results"
}

// RecordIDs decodes RelatedRecordIDs
func (r *DetectionResult) RecordIDs() []string {
	var ids []string
	if len(r.RelatedRecordIDs) == 0 {
		return ids
	}
	_ = json.Unmarshal(r.RelatedRecordIDs, &ids)
	return ids
}

// SetRecordIDs encodes ids into RelatedRecordIDs
func (r *DetectionResult) SetRecordIDs(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	r.RelatedRecordIDs = datatypes.JSON(data)
}

// DiscoveryDate returns the discovery timestamp as a time
func (r *DetectionResult) DiscoveryDate() time.Time {
	return time.Unix(r.DiscoveryTS, 0).UTC()
}

// DeadlineDate returns the filing deadline as a time
func (r *DetectionResult) DeadlineDate() time.Time {
	return time.Unix(r.DeadlineTS, 0).UTC()
}

// EvidenceMatch links an evidence document to a detection result
type EvidenceMatch struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	DetectionResultID string  `gorm:"size:36;not null;uniqueIndex:idx_match_result_doc"`
	DocumentID        string  `gorm:"size:128;not null;uniqueIndex:idx_match_result_doc"`
	MatchType         string  `gorm:"size:32;not null"`
	RelevanceScore    float64 `gorm:"not null"`
	CreatedTS         int64   `gorm:"not null"`
}

func (EvidenceMatch) TableName() string {
	return "evidence_matches"
}

// SyncRecord is a normalized marketplace record delivered by the sync pipeline
type SyncRecord struct {
	ID          int64          `gorm:"primaryKey;autoIncrement"`
	SellerID    string         `gorm:"size:128;not null;index:idx_sync_batch"`
	SyncBatchID string         `gorm:"size:128;not null;index:idx_sync_batch"`
	Kind        string         `gorm:"size:32;not null"`
	RecordID    string         `gorm:"size:128;not null"`
	Body        datatypes.JSON `gorm:"type:json;not null"`
	CreatedTS   int64          `gorm:"not null"`
}

func (SyncRecord) TableName() string {
	return "sync_records"
}

// BeforeCreate hooks for timestamps
func (a *AppState) BeforeCreate(tx *gorm.DB) error {
	if a.UpdatedTS == 0 {
		a.UpdatedTS = time.Now().Unix()
	}
	return nil
}

func (j *DetectionJob) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().Unix()
	if j.CreatedTS == 0 {
		j.CreatedTS = now
	}
	if j.UpdatedTS == 0 {
		j.UpdatedTS = j.CreatedTS
	}
	if j.AvailableMS == 0 {
		j.AvailableMS = j.CreatedTS * 1000
	}
	return nil
}

func (r *DetectionResult) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().Unix()
	if r.CreatedTS == 0 {
		r.CreatedTS = now
	}
	if r.UpdatedTS == 0 {
		r.UpdatedTS = r.CreatedTS
	}
	if r.RelatedRecordIDs == nil {
		r.SetRecordIDs(nil)
	}
	return nil
}

func (m *EvidenceMatch) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedTS == 0 {
		m.CreatedTS = time.Now().Unix()
	}
	return nil
}

func (s *SyncRecord) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedTS == 0 {
		s.CreatedTS = time.Now().Unix()
	}
	return nil
}
