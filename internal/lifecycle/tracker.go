package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNegativeAmount is returned when a resolution records a negative recovery
var ErrNegativeAmount = errors.New("recovered amount must not be negative")

// Tracker owns the status lifecycle of detection results after triage:
// manual transitions, resolution, expiry alerts and expiry itself.
type Tracker struct {
	cfg       config.LifecycleConfig
	db        *storage.DB
	publisher events.Publisher
	log       *logrus.Logger
	now       func() time.Time
}

// NewTracker creates a new lifecycle tracker
func NewTracker(cfg config.LifecycleConfig, db *storage.DB, publisher events.Publisher, log *logrus.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		db:        db,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// SetClock replaces the tracker's time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Now returns the tracker's current time
func (t *Tracker) Now() time.Time {
	return t.now()
}

// DaysRemaining counts whole or partial days until deadline. It is zero or
// negative once the deadline has passed.
func DaysRemaining(deadline, now time.Time) int {
	return int(math.Ceil(deadline.Sub(now).Hours() / 24))
}

// DaysRemaining is computed on every read, never stored
func (t *Tracker) DaysRemaining(res *storage.DetectionResult) int {
	return DaysRemaining(res.DeadlineDate(), t.now())
}

// Get loads a result, expiring it first if its deadline passed since the
// last sweep
func (t *Tracker) Get(ctx context.Context, id string) (*storage.DetectionResult, error) {
	res, err := t.db.GetResult(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	if res == nil {
		return nil, claim.ErrNotFound
	}
	return t.expireIfDue(ctx, res)
}

// UpdateStatus moves a result along the state machine. Expiry is reserved
// for the deadline sweep and resolution carries no recovered amount here.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, to claim.Status, notes string) (*storage.DetectionResult, error) {
	res, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := claim.Status(res.Status)
	if to == claim.StatusExpired {
		return nil, &claim.InvalidTransitionError{From: from, To: to}
	}
	if err := claim.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	now := t.now()
	updates := map[string]interface{}{
		"status":       string(to),
		"status_notes": notes,
		"updated_ts":   now.Unix(),
	}
	if to == claim.StatusResolved {
		updates["resolved_ts"] = now.Unix()
	}

	if err := t.transition(ctx, res, from, to, updates); err != nil {
		return nil, err
	}

	res.Status = string(to)
	res.StatusNotes = notes
	res.UpdatedTS = now.Unix()
	if to == claim.StatusResolved {
		res.ResolvedTS = now.Unix()
	}

	t.log.WithFields(logrus.Fields{
		"result_id": res.ID,
		"from":      from,
		"to":        to,
	}).Info("Result status updated")

	return res, nil
}

// Resolve closes a result with the amount actually recovered
func (t *Tracker) Resolve(ctx context.Context, id string, amount decimal.Decimal, notes string) (*storage.DetectionResult, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}

	res, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := claim.Status(res.Status)
	if err := claim.ValidateTransition(from, claim.StatusResolved); err != nil {
		return nil, err
	}

	now := t.now()
	recovered := decimal.NewNullDecimal(amount)
	updates := map[string]interface{}{
		"status":           string(claim.StatusResolved),
		"recovered_amount": recovered,
		"resolution_notes": notes,
		"resolved_ts":      now.Unix(),
		"updated_ts":       now.Unix(),
	}
	if err := t.transition(ctx, res, from, claim.StatusResolved, updates); err != nil {
		return nil, err
	}

	res.Status = string(claim.StatusResolved)
	res.RecoveredAmount = recovered
	res.ResolutionNotes = notes
	res.ResolvedTS = now.Unix()
	res.UpdatedTS = now.Unix()

	t.log.WithFields(logrus.Fields{
		"result_id":       res.ID,
		"from":            from,
		"estimated_value": res.EstimatedValue.String(),
		"recovered":       amount.String(),
	}).Info("Result resolved")

	return res, nil
}

// transition applies updates guarded on the status the caller validated
// against. Losing the race to another writer is reported against the
// status that won.
func (t *Tracker) transition(ctx context.Context, res *storage.DetectionResult, from, to claim.Status, updates map[string]interface{}) error {
	ok, err := t.db.TransitionResult(ctx, res.ID, from, updates)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if ok {
		return nil
	}

	current, err := t.db.GetResult(ctx, res.ID)
	if err != nil {
		return fmt.Errorf("reload result: %w", err)
	}
	if current == nil {
		return claim.ErrNotFound
	}
	if err := claim.ValidateTransition(claim.Status(current.Status), to); err != nil {
		return err
	}
	return claim.ErrConcurrentUpdate
}

// expireIfDue expires a pending/reviewed result whose deadline has passed
// so no caller acts on a stale status
func (t *Tracker) expireIfDue(ctx context.Context, res *storage.DetectionResult) (*storage.DetectionResult, error) {
	if !claim.Status(res.Status).Expirable() || t.DaysRemaining(res) > 0 {
		return res, nil
	}
	if _, err := t.expire(ctx, res, t.now()); err != nil {
		return nil, err
	}
	reloaded, err := t.db.GetResult(ctx, res.ID)
	if err != nil {
		return nil, fmt.Errorf("reload result: %w", err)
	}
	if reloaded == nil {
		return nil, claim.ErrNotFound
	}
	return reloaded, nil
}

// Deadlines lists open results due within days, soonest first
func (t *Tracker) Deadlines(ctx context.Context, days, limit int) ([]storage.DetectionResult, error) {
	if days < 0 {
		days = 0
	}
	cutoff := t.now().Add(time.Duration(days) * 24 * time.Hour)
	results, err := t.db.ListDeadlines(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list deadlines: %w", err)
	}
	return results, nil
}

// Prompts lists results waiting on a human decision: needs-review results
// that are still pending or reviewed and whose deadline has not passed
func (t *Tracker) Prompts(ctx context.Context, page, pageSize int) ([]storage.DetectionResult, int64, error) {
	filter := storage.ResultFilter{
		Statuses:      claim.ExpirableStatuses(),
		Disposition:   claim.DispositionNeedsReview,
		DeadlineAfter: t.now(),
		Page:          page,
		PageSize:      pageSize,
	}
	results, total, err := t.db.ListResults(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list prompts: %w", err)
	}
	return results, total, nil
}
