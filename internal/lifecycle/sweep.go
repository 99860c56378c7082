package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

// StateLastSweep is the app_state key holding the unix time of the last sweep
const StateLastSweep = "last_deadline_sweep_ts"

// sweepBatch caps how many results one sweep pass loads per phase
const sweepBatch = 1000

// SweepResult counts what one sweep changed
type SweepResult struct {
	Alerted int
	Expired int
}

// LastSweep reports when the deadline sweep last completed. The zero time
// means no sweep has run yet.
func (t *Tracker) LastSweep(ctx context.Context) (time.Time, error) {
	raw, err := t.db.GetState(ctx, StateLastSweep)
	if err != nil {
		return time.Time{}, fmt.Errorf("load last sweep: %w", err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sweep %q: %w", raw, err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// Sweep expires results whose deadline has passed, then raises a single
// claim.expiring alert for every open result inside the alert window.
func (t *Tracker) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	now := t.now()
	out := &SweepResult{}

	due, err := t.db.ListPastDeadline(ctx, now, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list past deadline: %w", err)
	}
	for i := range due {
		expired, err := t.expire(ctx, &due[i], now)
		if err != nil {
			return nil, err
		}
		if expired {
			out.Expired++
		}
	}

	cutoff := now.Add(time.Duration(t.cfg.AlertThresholdDays) * 24 * time.Hour)
	alertDue, err := t.db.ListAlertDue(ctx, cutoff, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list alert due: %w", err)
	}
	for i := range alertDue {
		alerted, err := t.alert(ctx, &alertDue[i], now)
		if err != nil {
			return nil, err
		}
		if alerted {
			out.Alerted++
		}
	}

	if err := t.db.SetState(ctx, StateLastSweep, strconv.FormatInt(now.Unix(), 10)); err != nil {
		t.log.WithError(err).Warn("Failed to record sweep time")
	}

	metrics.RecordSweep(time.Since(start), out.Alerted, out.Expired)

	if out.Alerted > 0 || out.Expired > 0 {
		t.log.WithFields(logrus.Fields{
			"alerted": out.Alerted,
			"expired": out.Expired,
		}).Info("Deadline sweep complete")
	}

	return out, nil
}

// alert claims the expiry flag before publishing so concurrent sweeps send
// one alert. A failed publish releases the flag for the next sweep.
func (t *Tracker) alert(ctx context.Context, res *storage.DetectionResult, now time.Time) (bool, error) {
	won, err := t.db.MarkExpirationAlert(ctx, res.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark expiration alert: %w", err)
	}
	if !won {
		return false, nil
	}

	event := events.NewClaimExpiring(events.ClaimExpiring{
		ResultID:       res.ID,
		SellerID:       res.SellerID,
		AnomalyType:    res.AnomalyType,
		DaysRemaining:  DaysRemaining(res.DeadlineDate(), now),
		EstimatedValue: res.EstimatedValue,
		Currency:       res.Currency,
		DeadlineDate:   res.DeadlineDate(),
	}, now)

	if err := t.publish(ctx, event); err != nil {
		if clearErr := t.db.ClearExpirationAlert(ctx, res.ID); clearErr != nil {
			t.log.WithError(clearErr).WithField("result_id", res.ID).Error("Failed to release expiration alert flag")
		}
		t.log.WithFields(logrus.Fields{
			"result_id": res.ID,
			"error":     err.Error(),
		}).Warn("Expiry alert not delivered, will retry next sweep")
		return false, nil
	}
	return true, nil
}

// expire moves a result to expired if it is still pending/reviewed and
// past its deadline, and reports whether this call did it
func (t *Tracker) expire(ctx context.Context, res *storage.DetectionResult, now time.Time) (bool, error) {
	ok, err := t.db.ExpireResult(ctx, res.ID, now)
	if err != nil {
		return false, fmt.Errorf("expire result: %w", err)
	}
	if !ok {
		return false, nil
	}

	t.log.WithFields(logrus.Fields{
		"result_id":       res.ID,
		"seller_id":       res.SellerID,
		"anomaly_type":    res.AnomalyType,
		"estimated_value": res.EstimatedValue.String(),
	}).Warn("Claim expired unresolved")

	event := events.NewClaimExpired(events.ClaimExpired{
		ResultID:       res.ID,
		SellerID:       res.SellerID,
		AnomalyType:    res.AnomalyType,
		EstimatedValue: res.EstimatedValue,
		Currency:       res.Currency,
		DeadlineDate:   res.DeadlineDate(),
	}, now)
	if err := t.publish(ctx, event); err != nil {
		t.log.WithFields(logrus.Fields{
			"result_id": res.ID,
			"error":     err.Error(),
		}).Warn("Failed to publish expiry event")
	}
	return true, nil
}

func (t *Tracker) publish(ctx context.Context, event *events.Event) error {
	if t.publisher == nil {
		return nil
	}
	return t.publisher.Publish(ctx, event)
}
