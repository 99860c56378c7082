package storage

import (
	"context"
	"errors"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"gorm.io/gorm"
)

// GetResult retrieves a detection result by id
func (db *DB) GetResult(ctx context.Context, id string) (*DetectionResult, error) {
	var r DetectionResult
	err := observe("get_result", func() error {
		return db.conn.WithContext(ctx).Where("id = ?", id).First(&r).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetResultByFingerprint retrieves the result produced for a candidate fingerprint
func (db *DB) GetResultByFingerprint(ctx context.Context, fingerprint string) (*DetectionResult, error) {
	var r DetectionResult
	result := db.conn.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&r)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &r, nil
}

// CreateResult inserts a new result. A fingerprint collision surfaces as gorm.ErrDuplicatedKey.
func (db *DB) CreateResult(ctx context.Context, r *DetectionResult) error {
	return observe("create_result", func() error {
		return db.conn.WithContext(ctx).Create(r).Error
	})
}

// UpdateResult applies column updates to a result unconditionally
func (db *DB) UpdateResult(ctx context.Context, id string, updates map[string]interface{}) error {
	if _, ok := updates["updated_ts"]; !ok {
		updates["updated_ts"] = time.Now().Unix()
	}
	return observe("update_result", func() error {
		return db.conn.WithContext(ctx).
			Model(&DetectionResult{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}

// TransitionResult applies updates only if the result is still in status
// from. It reports whether the row was changed.
func (db *DB) TransitionResult(ctx context.Context, id string, from claim.Status, updates map[string]interface{}) (bool, error) {
	var affected int64
	err := observe("transition_result", func() error {
		res := db.conn.WithContext(ctx).
			Model(&DetectionResult{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(updates)
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// MarkExpirationAlert sets expiration_alert_sent if it is still unset and
// the result can still expire. It reports whether this caller won.
func (db *DB) MarkExpirationAlert(ctx context.Context, id string, now time.Time) (bool, error) {
	var affected int64
	err := observe("mark_expiration_alert", func() error {
		res := db.conn.WithContext(ctx).
			Model(&DetectionResult{}).
			Where("id = ? AND expiration_alert_sent = ? AND status IN ?", id, false, statusStrings(claim.ExpirableStatuses())).
			Updates(map[string]interface{}{
				"expiration_alert_sent": true,
				"updated_ts":            now.Unix(),
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// ClearExpirationAlert undoes MarkExpirationAlert when the alert could not be delivered
func (db *DB) ClearExpirationAlert(ctx context.Context, id string) error {
	return db.conn.WithContext(ctx).
		Model(&DetectionResult{}).
		Where("id = ?", id).
		Update("expiration_alert_sent", false).Error
}

// ExpireResult moves a pending/reviewed result past its deadline to expired.
// The status and deadline are re-checked in the update so a concurrent
// resolution wins.
func (db *DB) ExpireResult(ctx context.Context, id string, now time.Time) (bool, error) {
	var affected int64
	err := observe("expire_result", func() error {
		res := db.conn.WithContext(ctx).
			Model(&DetectionResult{}).
			Where("id = ? AND status IN ? AND deadline_ts <= ?", id, statusStrings(claim.ExpirableStatuses()), now.Unix()).
			Updates(map[string]interface{}{
				"status":     string(claim.StatusExpired),
				"updated_ts": now.Unix(),
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// ListAlertDue returns results that can still expire, have not been alerted
// and whose deadline falls on or before cutoff
func (db *DB) ListAlertDue(ctx context.Context, cutoff time.Time, limit int) ([]DetectionResult, error) {
	var results []DetectionResult
	q := db.conn.WithContext(ctx).
		Where("status IN ? AND expiration_alert_sent = ? AND deadline_ts <= ?",
			statusStrings(claim.ExpirableStatuses()), false, cutoff.Unix()).
		Order("deadline_ts ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&results).Error
	return results, err
}

// ListPastDeadline returns pending/reviewed results whose deadline has passed
func (db *DB) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]DetectionResult, error) {
	var results []DetectionResult
	q := db.conn.WithContext(ctx).
		Where("status IN ? AND deadline_ts <= ?", statusStrings(claim.ExpirableStatuses()), now.Unix()).
		Order("deadline_ts ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&results).Error
	return results, err
}

// ListResultsByBatch returns every result produced for a sync batch
func (db *DB) ListResultsByBatch(ctx context.Context, sellerID, syncBatchID string) ([]DetectionResult, error) {
	var results []DetectionResult
	err := db.conn.WithContext(ctx).
		Where("seller_id = ? AND sync_batch_id = ?", sellerID, syncBatchID).
		Order("created_ts ASC").
		Find(&results).Error
	return results, err
}

func statusStrings(statuses []claim.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
