package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"gorm.io/gorm"
)

// Paging defaults for result listings
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ResultFilter narrows a result listing. Zero values mean "any", except
// that a disposition filter without statuses leaves expired results out.
type ResultFilter struct {
	Statuses    []claim.Status
	AnomalyType claim.AnomalyType
	Severity    claim.Severity
	Disposition claim.Disposition
	SellerID    string

	// Confidence range, MinConfidence inclusive and MaxConfidence exclusive
	MinConfidence *float64
	MaxConfidence *float64

	// Discovery date range, both inclusive
	From time.Time
	To   time.Time

	// DeadlineAfter keeps results whose deadline is still ahead of it
	DeadlineAfter time.Time

	Page     int // 1-based
	PageSize int
}

// Normalize clamps paging parameters
func (f *ResultFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

func (f *ResultFilter) apply(q *gorm.DB) *gorm.DB {
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.AnomalyType != "" {
		q = q.Where("anomaly_type = ?", string(f.AnomalyType))
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.Disposition != "" {
		q = q.Where("disposition = ?", string(f.Disposition))
		// An expired result is no longer eligible for its disposition
		if len(f.Statuses) == 0 {
			q = q.Where("status <> ?", string(claim.StatusExpired))
		}
	}
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.MinConfidence != nil {
		q = q.Where("confidence_score >= ?", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		q = q.Where("confidence_score < ?", *f.MaxConfidence)
	}
	if !f.From.IsZero() {
		q = q.Where("discovery_ts >= ?", f.From.Unix())
	}
	if !f.To.IsZero() {
		q = q.Where("discovery_ts <= ?", f.To.Unix())
	}
	if !f.DeadlineAfter.IsZero() {
		q = q.Where("deadline_ts > ?", f.DeadlineAfter.Unix())
	}
	return q
}

// ListResults returns one page of matching results (newest discovery first)
// and the total number of matches.
func (db *DB) ListResults(ctx context.Context, filter ResultFilter) ([]DetectionResult, int64, error) {
	filter.Normalize()

	var total int64
	if err := filter.apply(db.conn.WithContext(ctx).Model(&DetectionResult{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	var results []DetectionResult
	err := observe("list_results", func() error {
		return filter.apply(db.conn.WithContext(ctx).Model(&DetectionResult{})).
			Order("discovery_ts DESC").
			Order("id ASC").
			Offset((filter.Page - 1) * filter.PageSize).
			Limit(filter.PageSize).
			Find(&results).Error
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	return results, total, nil
}

// ListDeadlines returns pending/reviewed results whose deadline is on or
// before cutoff, soonest first
func (db *DB) ListDeadlines(ctx context.Context, cutoff time.Time, limit int) ([]DetectionResult, error) {
	var results []DetectionResult
	q := db.conn.WithContext(ctx).
		Where("status IN ? AND deadline_ts <= ?", statusStrings(claim.ExpirableStatuses()), cutoff.Unix()).
		Order("deadline_ts ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&results).Error
	return results, err
}

// GroupTotal is a count and value sum for one group
type GroupTotal struct {
	Count int64   `json:"count"`
	Value float64 `json:"value"`
}

// BandRecovery compares what was recovered against what was estimated for
// resolved results in one confidence band
type BandRecovery struct {
	Resolved       int64   `json:"resolved"`
	EstimatedValue float64 `json:"estimatedValue"`
	RecoveredValue float64 `json:"recoveredValue"`
	RecoveryRate   float64 `json:"recoveryRate"`
}

// CurrencyTotal sums the values of results booked in one currency
type CurrencyTotal struct {
	Count          int64   `json:"count"`
	EstimatedValue float64 `json:"estimatedValue"`
	RecoveredValue float64 `json:"recoveredValue"`
}

// Stats summarises results for dashboards. Money is only summed within a
// currency: ByCurrency always splits it, and the value sums of the other
// groups are only meaningful when StatsParams.Currency is set.
type Stats struct {
	Currency          string                   `json:"currency,omitempty"`
	Total             int64                    `json:"total"`
	ByCurrency        map[string]CurrencyTotal `json:"byCurrency"`
	AverageConfidence float64                  `json:"averageConfidence"`
	ExpiringSoon      int64                    `json:"expiringSoon"`
	Expired           int64                    `json:"expired"`
	BySeverity        map[string]GroupTotal    `json:"bySeverity"`
	ByType            map[string]GroupTotal    `json:"byType"`
	ByBand            map[string]GroupTotal    `json:"byConfidenceBand"`
	ByStatus          map[string]GroupTotal    `json:"byStatus"`
	ByDisposition     map[string]GroupTotal    `json:"byDisposition"`
	RecoveryByBand    map[string]BandRecovery  `json:"recoveryRateByConfidenceBand"`
}

// StatsParams carries the thresholds needed to bucket results
type StatsParams struct {
	AutoSubmitThreshold float64
	ReviewThreshold     float64
	Now                 time.Time
	ExpiringWithin      time.Duration

	// Currency restricts every aggregate to results booked in it
	Currency string
}

type groupRow struct {
	Grp       string
	Cnt       int64
	Total     float64
	Recovered float64
}

// bandExpr buckets confidence_score with the triage thresholds
const bandExpr = "CASE WHEN confidence_score >= ? THEN 'high' WHEN confidence_score >= ? THEN 'medium' ELSE 'low' END"

// Stats computes aggregate statistics across all results
func (db *DB) Stats(ctx context.Context, p StatsParams) (*Stats, error) {
	s := &Stats{
		Currency:       p.Currency,
		ByCurrency:     map[string]CurrencyTotal{},
		BySeverity:     map[string]GroupTotal{},
		ByType:         map[string]GroupTotal{},
		ByBand:         map[string]GroupTotal{},
		ByStatus:       map[string]GroupTotal{},
		ByDisposition:  map[string]GroupTotal{},
		RecoveryByBand: map[string]BandRecovery{},
	}

	err := observe("stats", func() error {
		conn := db.conn.WithContext(ctx)
		scoped := func() *gorm.DB {
			q := conn.Model(&DetectionResult{})
			if p.Currency != "" {
				q = q.Where("currency = ?", p.Currency)
			}
			return q
		}

		var overall struct {
			Cnt     int64
			AvgConf float64
		}
		if err := scoped().
			Select("COUNT(*) AS cnt, COALESCE(AVG(confidence_score), 0) AS avg_conf").
			Scan(&overall).Error; err != nil {
			return fmt.Errorf("overall totals: %w", err)
		}
		s.Total = overall.Cnt
		s.AverageConfidence = overall.AvgConf

		var currencyRows []groupRow
		if err := scoped().
			Select("currency AS grp, COUNT(*) AS cnt, COALESCE(SUM(estimated_value), 0) AS total, " +
				"COALESCE(SUM(recovered_amount), 0) AS recovered").
			Group("currency").
			Scan(&currencyRows).Error; err != nil {
			return fmt.Errorf("group by currency: %w", err)
		}
		for _, r := range currencyRows {
			s.ByCurrency[r.Grp] = CurrencyTotal{Count: r.Cnt, EstimatedValue: r.Total, RecoveredValue: r.Recovered}
		}

		for column, target := range map[string]map[string]GroupTotal{
			"severity":     s.BySeverity,
			"anomaly_type": s.ByType,
			"status":       s.ByStatus,
			"disposition":  s.ByDisposition,
		} {
			var rows []groupRow
			if err := scoped().
				Select(column + " AS grp, COUNT(*) AS cnt, COALESCE(SUM(estimated_value), 0) AS total").
				Group(column).
				Scan(&rows).Error; err != nil {
				return fmt.Errorf("group by %s: %w", column, err)
			}
			for _, r := range rows {
				target[r.Grp] = GroupTotal{Count: r.Cnt, Value: r.Total}
			}
		}

		var bandRows []groupRow
		if err := scoped().
			Select(bandExpr+" AS grp, COUNT(*) AS cnt, COALESCE(SUM(estimated_value), 0) AS total",
				p.AutoSubmitThreshold, p.ReviewThreshold).
			Group("grp").
			Scan(&bandRows).Error; err != nil {
			return fmt.Errorf("group by band: %w", err)
		}
		for _, r := range bandRows {
			s.ByBand[r.Grp] = GroupTotal{Count: r.Cnt, Value: r.Total}
		}

		var recoveryRows []groupRow
		if err := scoped().
			Select(bandExpr+" AS grp, COUNT(*) AS cnt, COALESCE(SUM(estimated_value), 0) AS total, "+
				"COALESCE(SUM(recovered_amount), 0) AS recovered",
				p.AutoSubmitThreshold, p.ReviewThreshold).
			Where("status = ?", string(claim.StatusResolved)).
			Group("grp").
			Scan(&recoveryRows).Error; err != nil {
			return fmt.Errorf("recovery by band: %w", err)
		}
		for _, r := range recoveryRows {
			br := BandRecovery{Resolved: r.Cnt, EstimatedValue: r.Total, RecoveredValue: r.Recovered}
			if r.Total > 0 {
				br.RecoveryRate = r.Recovered / r.Total
			}
			s.RecoveryByBand[r.Grp] = br
		}

		if err := scoped().
			Where("status IN ? AND deadline_ts > ? AND deadline_ts <= ?",
				statusStrings(claim.ExpirableStatuses()), p.Now.Unix(), p.Now.Add(p.ExpiringWithin).Unix()).
			Count(&s.ExpiringSoon).Error; err != nil {
			return fmt.Errorf("count expiring: %w", err)
		}

		if err := scoped().
			Where("status = ?", string(claim.StatusExpired)).
			Count(&s.Expired).Error; err != nil {
			return fmt.Errorf("count expired: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
