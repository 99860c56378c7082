package storage

import (
	"context"
)

// InsertSyncRecords stores normalized records delivered by the sync pipeline
func (db *DB) InsertSyncRecords(ctx context.Context, records []SyncRecord) error {
	if len(records) == 0 {
		return nil
	}
	return observe("insert_sync_records", func() error {
		return db.conn.WithContext(ctx).CreateInBatches(&records, 500).Error
	})
}

// LoadSyncRecords returns every normalized record of a sync batch in insertion order
func (db *DB) LoadSyncRecords(ctx context.Context, sellerID, syncBatchID string) ([]SyncRecord, error) {
	var records []SyncRecord
	err := observe("load_sync_records", func() error {
		return db.conn.WithContext(ctx).
			Where("seller_id = ? AND sync_batch_id = ?", sellerID, syncBatchID).
			Order("id ASC").
			Find(&records).Error
	})
	return records, err
}

// CountSyncRecords counts the records of a sync batch
func (db *DB) CountSyncRecords(ctx context.Context, sellerID, syncBatchID string) (int64, error) {
	var count int64
	err := db.conn.WithContext(ctx).
		Model(&SyncRecord{}).
		Where("seller_id = ? AND sync_batch_id = ?", sellerID, syncBatchID).
		Count(&count).Error
	return count, err
}
