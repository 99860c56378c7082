package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ReplaceMatches swaps the full match set of a result in one transaction and
// stores the aggregate relevance alongside it. Only the evidence columns of
// the result are written.
func (db *DB) ReplaceMatches(ctx context.Context, resultID string, matches []EvidenceMatch, relevance float64, now time.Time) error {
	return observe("replace_matches", func() error {
		return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("detection_result_id = ?", resultID).Delete(&EvidenceMatch{}).Error; err != nil {
				return fmt.Errorf("delete matches: %w", err)
			}

			if len(matches) > 0 {
				for i := range matches {
					matches[i].ID = 0
					matches[i].DetectionResultID = resultID
					if matches[i].CreatedTS == 0 {
						matches[i].CreatedTS = now.Unix()
					}
				}
				if err := tx.Create(&matches).Error; err != nil {
					return fmt.Errorf("insert matches: %w", err)
				}
			}

			err := tx.Model(&DetectionResult{}).
				Where("id = ?", resultID).
				Updates(map[string]interface{}{
					"evidence_relevance": relevance,
					"match_count":        len(matches),
					"updated_ts":         now.Unix(),
				}).Error
			if err != nil {
				return fmt.Errorf("update evidence relevance: %w", err)
			}
			return nil
		})
	})
}

// ListMatches returns the current matches of a result, most relevant first
func (db *DB) ListMatches(ctx context.Context, resultID string) ([]EvidenceMatch, error) {
	var matches []EvidenceMatch
	err := db.conn.WithContext(ctx).
		Where("detection_result_id = ?", resultID).
		Order("relevance_score DESC").
		Order("document_id ASC").
		Find(&matches).Error
	return matches, err
}
