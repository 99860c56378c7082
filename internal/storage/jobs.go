package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"gorm.io/gorm"
)

// claimRetries bounds how often ClaimNextJob re-selects after losing a race
const claimRetries = 5

// ActiveJobKey is the uniqueness key held by a non-terminal job
func ActiveJobKey(sellerID, syncBatchID string) string {
	return sellerID + "|" + syncBatchID
}

// CreateJob inserts a pending job. Returns claim.ErrDuplicateJob if a
// non-terminal job already exists for the same seller and batch.
func (db *DB) CreateJob(ctx context.Context, job *DetectionJob) error {
	key := ActiveJobKey(job.SellerID, job.SyncBatchID)
	job.ActiveKey = &key
	job.Status = string(claim.JobPending)

	return observe("create_job", func() error {
		var count int64
		if err := db.conn.WithContext(ctx).
			Model(&DetectionJob{}).
			Where("active_key = ?", key).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return claim.ErrDuplicateJob
		}

		err := db.conn.WithContext(ctx).Create(job).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return claim.ErrDuplicateJob
		}
		return err
	})
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id int64) (*DetectionJob, error) {
	var job DetectionJob
	result := db.conn.WithContext(ctx).Where("id = ?", id).First(&job)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &job, nil
}

// ListJobs returns jobs in a status, newest first. An empty status lists all.
func (db *DB) ListJobs(ctx context.Context, status string, limit int) ([]DetectionJob, error) {
	var jobs []DetectionJob
	q := db.conn.WithContext(ctx).Order("created_ts DESC").Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ClaimNextJob selects the highest-priority, oldest pending job whose backoff
// has elapsed and flips it to processing. The flip is a conditional update
// on status, so concurrent claimers never both win the same row.
func (db *DB) ClaimNextJob(ctx context.Context, now time.Time) (*DetectionJob, error) {
	for i := 0; i < claimRetries; i++ {
		var job DetectionJob
		err := observe("claim_select", func() error {
			return db.conn.WithContext(ctx).
				Where("status = ? AND available_ms <= ?", claim.JobPending, now.UnixMilli()).
				Order("priority DESC").
				Order("created_ts ASC").
				Order("id ASC").
				First(&job).Error
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending job: %w", err)
		}

		var affected int64
		err = observe("claim_update", func() error {
			res := db.conn.WithContext(ctx).
				Model(&DetectionJob{}).
				Where("id = ? AND status = ?", job.ID, claim.JobPending).
				Updates(map[string]interface{}{
					"status":     string(claim.JobProcessing),
					"claimed_ts": now.Unix(),
					"updated_ts": now.Unix(),
				})
			affected = res.RowsAffected
			return res.Error
		})
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", job.ID, err)
		}
		if affected == 1 {
			job.Status = string(claim.JobProcessing)
			job.ClaimedTS = now.Unix()
			job.UpdatedTS = now.Unix()
			return &job, nil
		}
		// Another worker took it first; pick again
	}
	return nil, nil
}

// CompleteJob marks a processing job completed and releases its batch key
func (db *DB) CompleteJob(ctx context.Context, id int64, now time.Time) error {
	return db.finishJob(ctx, id, map[string]interface{}{
		"status":        string(claim.JobCompleted),
		"active_key":    nil,
		"error_message": "",
		"finished_ts":   now.Unix(),
		"updated_ts":    now.Unix(),
	})
}

// RescheduleJob returns a processing job to pending, eligible again at availableAt
func (db *DB) RescheduleJob(ctx context.Context, id int64, attempts int, availableAt time.Time, errMsg string, now time.Time) error {
	return db.finishJob(ctx, id, map[string]interface{}{
		"status":        string(claim.JobPending),
		"attempts":      attempts,
		"available_ms":  availableAt.UnixMilli(),
		"error_message": errMsg,
		"updated_ts":    now.Unix(),
	})
}

// ReleaseJob hands an interrupted processing job back to pending as it
// was before the claim. Attempts are left untouched.
func (db *DB) ReleaseJob(ctx context.Context, id int64, now time.Time) error {
	return db.finishJob(ctx, id, map[string]interface{}{
		"status":       string(claim.JobPending),
		"available_ms": now.UnixMilli(),
		"claimed_ts":   0,
		"updated_ts":   now.Unix(),
	})
}

// DeadLetterJob moves a processing job to terminal failed. The row is kept for audit.
func (db *DB) DeadLetterJob(ctx context.Context, id int64, attempts int, errMsg string, now time.Time) error {
	return db.finishJob(ctx, id, map[string]interface{}{
		"status":        string(claim.JobFailed),
		"attempts":      attempts,
		"active_key":    nil,
		"error_message": errMsg,
		"finished_ts":   now.Unix(),
		"updated_ts":    now.Unix(),
	})
}

func (db *DB) finishJob(ctx context.Context, id int64, updates map[string]interface{}) error {
	var affected int64
	err := observe("finish_job", func() error {
		res := db.conn.WithContext(ctx).
			Model(&DetectionJob{}).
			Where("id = ? AND status = ?", id, claim.JobProcessing).
			Updates(updates)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not processing: %w", id, claim.ErrConcurrentUpdate)
	}
	return nil
}

// ListStaleJobs returns processing jobs claimed before cutoff
func (db *DB) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]DetectionJob, error) {
	var jobs []DetectionJob
	err := db.conn.WithContext(ctx).
		Where("status = ? AND claimed_ts < ?", claim.JobProcessing, cutoff.Unix()).
		Order("claimed_ts ASC").
		Find(&jobs).Error
	return jobs, err
}

// RequeueFailedJob is the operator action that revives a dead-lettered job
func (db *DB) RequeueFailedJob(ctx context.Context, id int64, now time.Time) (*DetectionJob, error) {
	job, err := db.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, claim.ErrNotFound
	}
	if job.Status != string(claim.JobFailed) {
		return nil, fmt.Errorf("job %d is %s, only failed jobs can be requeued: %w", id, job.Status, claim.ErrConcurrentUpdate)
	}

	key := ActiveJobKey(job.SellerID, job.SyncBatchID)
	res := db.conn.WithContext(ctx).
		Model(&DetectionJob{}).
		Where("id = ? AND status = ?", id, claim.JobFailed).
		Updates(map[string]interface{}{
			"status":       string(claim.JobPending),
			"active_key":   key,
			"attempts":     0,
			"available_ms": now.UnixMilli(),
			"finished_ts":  0,
			"updated_ts":   now.Unix(),
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, claim.ErrDuplicateJob
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, claim.ErrConcurrentUpdate
	}
	return db.GetJob(ctx, id)
}
