package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/sirupsen/logrus"
)

// Priority bounds accepted by Enqueue. Zero selects the configured default.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ErrInvalidJob is returned for malformed enqueue requests
var ErrInvalidJob = errors.New("invalid detection job")

// Queue is the durable detection job queue. Jobs live in the detection_jobs
// table; claiming is a conditional update so any number of workers, in any
// number of processes, can share it.
type Queue struct {
	cfg config.QueueConfig
	db  *storage.DB
	log *logrus.Logger
	now func() time.Time
}

// New creates a new queue
func New(cfg config.QueueConfig, db *storage.DB, log *logrus.Logger) *Queue {
	return &Queue{
		cfg: cfg,
		db:  db,
		log: log,
		now: time.Now,
	}
}

// SetClock replaces the queue's time source
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue schedules detection for a sync batch. It fails with
// claim.ErrDuplicateJob while another job for the same batch is pending or
// processing.
func (q *Queue) Enqueue(ctx context.Context, sellerID, syncBatchID string, priority int) (*storage.DetectionJob, error) {
	sellerID = strings.TrimSpace(sellerID)
	syncBatchID = strings.TrimSpace(syncBatchID)
	if sellerID == "" || syncBatchID == "" {
		return nil, fmt.Errorf("%w: sellerId and syncBatchId are required", ErrInvalidJob)
	}
	if priority == 0 {
		priority = q.cfg.DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidJob, priority, MinPriority, MaxPriority)
	}

	now := q.now()
	job := &storage.DetectionJob{
		SellerID:    sellerID,
		SyncBatchID: syncBatchID,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		AvailableMS: now.UnixMilli(),
		CreatedTS:   now.Unix(),
		UpdatedTS:   now.Unix(),
	}

	err := q.db.CreateJob(ctx, job)
	metrics.RecordEnqueue(errors.Is(err, claim.ErrDuplicateJob))
	if err != nil {
		if errors.Is(err, claim.ErrDuplicateJob) {
			q.log.WithFields(logrus.Fields{
				"seller_id":     sellerID,
				"sync_batch_id": syncBatchID,
			}).Info("Detection already scheduled for batch")
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"seller_id":     sellerID,
		"sync_batch_id": syncBatchID,
		"priority":      priority,
	}).Info("Detection job enqueued")

	return job, nil
}

// ClaimNext hands the highest-priority, oldest eligible job to the caller.
// Returns nil when nothing is ready.
func (q *Queue) ClaimNext(ctx context.Context) (*storage.DetectionJob, error) {
	job, err := q.db.ClaimNextJob(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// Complete marks a claimed job done
func (q *Queue) Complete(ctx context.Context, job *storage.DetectionJob) error {
	if err := q.db.CompleteJob(ctx, job.ID, q.now()); err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	job.Status = string(claim.JobCompleted)
	return nil
}

// Backoff is the delay before retry number attempt (1-based): base doubled
// per previous attempt, capped at the configured maximum
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// Release returns a job interrupted by shutdown to the queue without
// counting the attempt.
func (q *Queue) Release(ctx context.Context, job *storage.DetectionJob) error {
	now := q.now()
	if err := q.db.ReleaseJob(ctx, job.ID, now); err != nil {
		return fmt.Errorf("release job %d: %w", job.ID, err)
	}
	job.Status = string(claim.JobPending)
	job.AvailableMS = now.UnixMilli()
	job.ClaimedTS = 0
	return nil
}

// Fail records a failed attempt. The job goes back to pending after its
// backoff, or is dead-lettered once it has used all of its attempts.
// Returns true when the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *storage.DetectionJob, cause error) (bool, error) {
	now := q.now()
	attempts := job.Attempts + 1
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.cfg.MaxAttempts
	}

	fields := logrus.Fields{
		"job_id":        job.ID,
		"seller_id":     job.SellerID,
		"sync_batch_id": job.SyncBatchID,
		"attempts":      attempts,
		"max_attempts":  maxAttempts,
		"transient":     claim.IsTransient(cause),
	}

	if attempts >= maxAttempts {
		if err := q.db.DeadLetterJob(ctx, job.ID, attempts, msg, now); err != nil {
			return false, fmt.Errorf("dead-letter job %d: %w", job.ID, err)
		}
		job.Status = string(claim.JobFailed)
		job.Attempts = attempts
		job.ErrorMessage = msg
		q.log.WithFields(fields).WithError(cause).Error("Detection job dead-lettered")
		return true, nil
	}

	delay := q.Backoff(attempts)
	availableAt := now.Add(delay)
	if err := q.db.RescheduleJob(ctx, job.ID, attempts, availableAt, msg, now); err != nil {
		return false, fmt.Errorf("reschedule job %d: %w", job.ID, err)
	}
	job.Status = string(claim.JobPending)
	job.Attempts = attempts
	job.AvailableMS = availableAt.UnixMilli()
	job.ErrorMessage = msg

	fields["retry_in"] = delay.String()
	q.log.WithFields(fields).WithError(cause).Warn("Detection job failed, retrying")
	return false, nil
}

// RecoverStale treats jobs stuck in processing past the visibility timeout
// as failed attempts, so a crashed worker never strands a batch
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.VisibilityTimeout)
	stale, err := q.db.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	recovered := 0
	for i := range stale {
		job := &stale[i]
		if _, err := q.Fail(ctx, job, fmt.Errorf("visibility timeout exceeded after %s", q.cfg.VisibilityTimeout)); err != nil {
			if errors.Is(err, claim.ErrConcurrentUpdate) {
				// Finished by its worker in the meantime
				continue
			}
			return recovered, err
		}
		metrics.RecordJobAttempt("stale", 0)
		recovered++
	}

	if recovered > 0 {
		q.log.WithField("count", recovered).Warn("Recovered stale detection jobs")
	}
	return recovered, nil
}

// Retry requeues a dead-lettered job with a fresh attempt budget
func (q *Queue) Retry(ctx context.Context, id int64) (*storage.DetectionJob, error) {
	job, err := q.db.RequeueFailedJob(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	q.log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"seller_id":     job.SellerID,
		"sync_batch_id": job.SyncBatchID,
	}).Info("Dead-lettered job requeued by operator")
	return job, nil
}

// Get returns a job by id or claim.ErrNotFound
func (q *Queue) Get(ctx context.Context, id int64) (*storage.DetectionJob, error) {
	job, err := q.db.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, claim.ErrNotFound
	}
	return job, nil
}

// List returns jobs in a status, newest first
func (q *Queue) List(ctx context.Context, status claim.JobStatus, limit int) ([]storage.DetectionJob, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, status)
	}
	return q.db.ListJobs(ctx, string(status), limit)
}
