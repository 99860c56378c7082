package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *storage.DB, *clock) {
	t.Helper()
	db := storagetest.New(t)
	q := New(config.DefaultQueue(), db, storagetest.QuietLogger())
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.SetClock(c.Now)
	return q, db, c
}

func TestEnqueueRejectsDuplicateBatch(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "seller-1", "batch-7", 0)
	require.NoError(t, err)
	assert.NotZero(t, job.ID)
	assert.Equal(t, 5, job.Priority, "zero priority takes the default")
	assert.Equal(t, 3, job.MaxAttempts)

	_, err = q.Enqueue(ctx, "seller-1", "batch-7", 8)
	assert.ErrorIs(t, err, claim.ErrDuplicateJob)

	_, err = q.Enqueue(ctx, "seller-2", "batch-7", 0)
	assert.NoError(t, err, "batches are keyed per seller")
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		seller   string
		batch    string
		priority int
	}{
		{"missing seller", "", "b", 5},
		{"missing batch", "s", "  ", 5},
		{"priority too high", "s", "b", 11},
		{"negative priority", "s", "b", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.seller, tt.batch, tt.priority)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestBackoff(t *testing.T) {
	q, _, _ := newTestQueue(t)

	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
	assert.Equal(t, 32*time.Second, q.Backoff(6))
	assert.Equal(t, 60*time.Second, q.Backoff(7))
	assert.Equal(t, 60*time.Second, q.Backoff(40))
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	q, db, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "seller-1", "batch-7", 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should be claimable", attempt)
		assert.Equal(t, job.ID, claimed.ID)

		deadLettered, err := q.Fail(ctx, claimed, claim.Transient("scoring-oracle", errors.New("timeout")))
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, deadLettered)

		if attempt < 3 {
			none, err := q.ClaimNext(ctx)
			require.NoError(t, err)
			assert.Nil(t, none, "job must wait out its backoff")
			c.Advance(q.Backoff(attempt))
		}
	}

	stored, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobFailed), stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.ErrorMessage, "timeout")

	c.Advance(time.Hour)
	none, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "a dead-lettered job is never attempted a fourth time")

	failed, err := q.List(ctx, claim.JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = q.Enqueue(ctx, "seller-1", "batch-7", 0)
	assert.NoError(t, err, "a dead-lettered job releases its batch")
}

func TestRetryRequeuesDeadLetteredJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	q.cfg.MaxAttempts = 1

	job, err := q.Enqueue(ctx, "seller-1", "batch-7", 0)
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	deadLettered, err := q.Fail(ctx, claimed, errors.New("bad batch"))
	require.NoError(t, err)
	require.True(t, deadLettered)

	requeued, err := q.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobPending), requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	_, err = q.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, claim.ErrConcurrentUpdate, "only failed jobs can be requeued")

	_, err = q.Retry(ctx, 9999)
	assert.ErrorIs(t, err, claim.ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	q, db, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "seller-1", "batch-7", 0)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(q.cfg.VisibilityTimeout + time.Second)
	n, err = q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobPending), stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestExecuteRecordsOutcome(t *testing.T) {
	q, db, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "seller-1", "ok", 0)
	require.NoError(t, err)
	boom, err := q.Enqueue(ctx, "seller-1", "boom", 0)
	require.NoError(t, err)

	handler := func(ctx context.Context, job *storage.DetectionJob) error {
		if job.SyncBatchID == "boom" {
			panic("detector exploded")
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		q.Execute(ctx, job, handler)
	}

	done, err := db.GetJob(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobCompleted), done.Status)

	retried, err := db.GetJob(ctx, boom.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobPending), retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	assert.Contains(t, retried.ErrorMessage, "detector exploded")
}

func TestExecuteReleasesJobInterruptedByShutdown(t *testing.T) {
	db := storagetest.New(t)
	cfg := config.DefaultQueue()
	cfg.MaxAttempts = 1
	q := New(cfg, db, storagetest.QuietLogger())
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.SetClock(c.Now)

	enqueued, err := q.Enqueue(context.Background(), "seller-1", "batch-7", 0)
	require.NoError(t, err)
	job, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Execute(ctx, job, func(ctx context.Context, job *storage.DetectionJob) error {
		return fmt.Errorf("load batch: %w", ctx.Err())
	})

	stored, err := db.GetJob(context.Background(), enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, string(claim.JobPending), stored.Status)
	assert.Equal(t, 0, stored.Attempts)

	again, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, again, "released job is immediately claimable")
	assert.Equal(t, enqueued.ID, again.ID)
}

func TestRunProcessesJobsConcurrently(t *testing.T) {
	db := storagetest.New(t)
	cfg := config.DefaultQueue()
	cfg.PollInterval = 10 * time.Millisecond
	q := New(cfg, db, storagetest.QuietLogger())

	// Worker goroutines must all be gone once Run returns
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("database/sql.(*DB).connectionCleaner"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, batch := range []string{"b1", "b2", "b3", "b4", "b5"} {
		_, err := q.Enqueue(ctx, "seller-1", batch, 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	handler := func(ctx context.Context, job *storage.DetectionJob) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		jobs, err := db.ListJobs(context.Background(), string(claim.JobCompleted), 0)
		return err == nil && len(jobs) == 5
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d handled more than once", id)
	}
}
