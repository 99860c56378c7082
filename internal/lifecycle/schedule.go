package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week)
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Run sweeps once immediately and then on every tick of the configured
// schedule until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	sched, err := ParseSchedule(t.cfg.SweepSchedule)
	if err != nil {
		return err
	}

	t.log.WithField("cron", t.cfg.SweepSchedule).Info("Deadline sweep scheduled")

	for {
		if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
			t.log.WithError(err).Error("Deadline sweep failed")
		}

		now := time.Now()
		next := sched.Next(now)
		t.log.WithField("next_sweep", next.Format(time.RFC3339)).Debug("Next deadline sweep")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
