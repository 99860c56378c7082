package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

// Handler runs one claimed job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *storage.DetectionJob) error

// Run polls the queue and executes jobs on up to cfg.Workers goroutines
// until ctx is cancelled. In-flight jobs are allowed to finish.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	workers := q.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pool := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		pool <- struct{}{}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	lastRecovery := time.Time{}
	recoveryEvery := q.cfg.VisibilityTimeout / 2

	q.log.WithField("workers", workers).Info("Detection workers started")

	for {
		if time.Since(lastRecovery) >= recoveryEvery {
			if _, err := q.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				q.log.WithError(err).Error("Failed to recover stale jobs")
			}
			lastRecovery = time.Now()
		}

		q.dispatch(ctx, pool, &wg, handler)

		select {
		case <-ctx.Done():
			q.log.Info("Detection workers stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// dispatch claims jobs while workers are free
func (q *Queue) dispatch(ctx context.Context, pool chan struct{}, wg *sync.WaitGroup, handler Handler) {
	for ctx.Err() == nil {
		select {
		case <-pool:
		default:
			return
		}

		job, err := q.ClaimNext(ctx)
		if err != nil || job == nil {
			pool <- struct{}{}
			if err != nil && ctx.Err() == nil {
				q.log.WithError(err).Error("Failed to claim job")
			}
			return
		}

		wg.Add(1)
		go func(job *storage.DetectionJob) {
			defer wg.Done()
			defer func() { pool <- struct{}{} }()
			q.Execute(ctx, job, handler)
		}(job)
	}
}

// Execute runs handler for a claimed job and records the outcome. Queue
// bookkeeping survives cancellation of ctx so shutdown never strands a job
// in processing.
func (q *Queue) Execute(ctx context.Context, job *storage.DetectionJob, handler Handler) {
	start := time.Now()
	log := q.log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"seller_id":     job.SellerID,
		"sync_batch_id": job.SyncBatchID,
		"attempt":       job.Attempts + 1,
	})
	log.Info("Processing detection job")

	err := runHandler(ctx, job, handler)
	bookkeeping := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := q.Complete(bookkeeping, job); cerr != nil {
			log.WithError(cerr).Error("Failed to mark job completed")
			return
		}
		metrics.RecordJobAttempt("completed", time.Since(start))
		log.WithField("duration", time.Since(start).String()).Info("Detection job completed")
		return
	}

	if ctx.Err() != nil {
		if rerr := q.Release(bookkeeping, job); rerr != nil {
			log.WithError(rerr).Error("Failed to release interrupted job")
			return
		}
		metrics.RecordJobAttempt("released", time.Since(start))
		log.WithError(err).Warn("Detection job interrupted by shutdown, released")
		return
	}

	deadLettered, ferr := q.Fail(bookkeeping, job, err)
	if ferr != nil {
		log.WithError(ferr).Error("Failed to record job failure")
		return
	}
	outcome := "retried"
	if deadLettered {
		outcome = "dead_lettered"
	}
	metrics.RecordJobAttempt(outcome, time.Since(start))
}

func runHandler(ctx context.Context, job *storage.DetectionJob, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
