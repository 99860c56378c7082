package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/events"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Detector finds and scores anomaly candidates in a batch
type Detector interface {
	Run(ctx context.Context, batch *claim.Batch) ([]claim.ScoredCandidate, error)
}

// Matcher links evidence to a detection result
type Matcher interface {
	Match(ctx context.Context, resultID string) ([]storage.EvidenceMatch, error)
}

// Processor runs a claimed detection job end to end: load the batch, detect
// and score, triage, announce the batch, then match evidence out of line
type Processor struct {
	db         *storage.DB
	detector   Detector
	router     *triage.Router
	matcher    Matcher
	publisher  events.Publisher
	workerPool chan struct{}
	matching   sync.WaitGroup
	log        *logrus.Logger
	now        func() time.Time
}

// New creates a new processor. matcher may be nil to disable matching.
func New(
	db *storage.DB,
	detector Detector,
	router *triage.Router,
	matcher Matcher,
	publisher events.Publisher,
	matchWorkers int,
	log *logrus.Logger,
) *Processor {
	if matchWorkers < 1 {
		matchWorkers = 1
	}
	workerPool := make(chan struct{}, matchWorkers)
	for i := 0; i < matchWorkers; i++ {
		workerPool <- struct{}{}
	}

	return &Processor{
		db:         db,
		detector:   detector,
		router:     router,
		matcher:    matcher,
		publisher:  publisher,
		workerPool: workerPool,
		log:        log,
		now:        time.Now,
	}
}

// SetClock replaces the processor's time source
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Handle is the queue handler for detection jobs
func (p *Processor) Handle(ctx context.Context, job *storage.DetectionJob) error {
	start := time.Now()

	batch, err := p.LoadBatch(ctx, job.SellerID, job.SyncBatchID)
	if err != nil {
		return err
	}

	scored, err := p.detector.Run(ctx, batch)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	results, summary, err := p.router.Triage(ctx, job.ID, scored)
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}

	p.publishCompleted(ctx, job, summary)

	p.log.WithFields(logrus.Fields{
		"job_id":            job.ID,
		"seller_id":         job.SellerID,
		"sync_batch_id":     job.SyncBatchID,
		"records":           batch.Size(),
		"candidates":        summary.Candidates,
		"scoring_fallbacks": summary.ScoringFallbacks,
		"total_value":       summary.TotalValue.StringFixed(2),
		"duration":          time.Since(start).String(),
	}).Info("Detection batch processed")

	p.scheduleMatching(ctx, results)
	return nil
}

// LoadBatch reads the normalized records of a sync batch. A batch with no
// records yields an empty batch rather than an error.
func (p *Processor) LoadBatch(ctx context.Context, sellerID, syncBatchID string) (*claim.Batch, error) {
	records, err := p.db.LoadSyncRecords(ctx, sellerID, syncBatchID)
	if err != nil {
		return nil, fmt.Errorf("load sync records: %w", err)
	}

	batch, skipped, err := DecodeBatch(sellerID, syncBatchID, records)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		p.log.WithFields(logrus.Fields{
			"seller_id":     sellerID,
			"sync_batch_id": syncBatchID,
			"skipped":       skipped,
		}).Warn("Skipped sync records of unknown kind")
	}
	return batch, nil
}

func (p *Processor) publishCompleted(ctx context.Context, job *storage.DetectionJob, s *triage.Summary) {
	if p.publisher == nil {
		return
	}

	payload := events.BatchCompleted{
		JobID:               job.ID,
		SellerID:            job.SellerID,
		SyncBatchID:         job.SyncBatchID,
		Candidates:          s.Candidates,
		ScoringFallbacks:    s.ScoringFallbacks,
		CountsByDisposition: make(map[string]int, len(s.CountsByDisposition)),
		ValueByDisposition:  make(map[string]decimal.Decimal, len(s.ValueByDisposition)),
		TotalValue:          s.TotalValue,
	}
	for d, n := range s.CountsByDisposition {
		payload.CountsByDisposition[string(d)] = n
	}
	for d, v := range s.ValueByDisposition {
		payload.ValueByDisposition[string(d)] = v
	}

	event := events.NewBatchCompleted(payload, p.now())
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"job_id":          job.ID,
			"idempotency_key": event.IdempotencyKey,
		}).Warn("Failed to publish batch completed event")
	}
}

// scheduleMatching runs evidence matching for open results in the
// background, bounded by the match worker pool
func (p *Processor) scheduleMatching(ctx context.Context, results []storage.DetectionResult) {
	if p.matcher == nil {
		return
	}

	for _, res := range results {
		if claim.Status(res.Status).Terminal() {
			continue
		}

		p.matching.Add(1)
		go func(resultID string) {
			defer p.matching.Done()

			select {
			case <-p.workerPool:
			case <-ctx.Done():
				return
			}
			defer func() { p.workerPool <- struct{}{} }()

			matches, err := p.matcher.Match(ctx, resultID)
			if err != nil {
				if ctx.Err() == nil {
					p.log.WithError(err).WithFields(logrus.Fields{
						"result_id": resultID,
						"transient": claim.IsTransient(err),
					}).Warn("Background evidence matching failed")
				}
				return
			}
			p.log.WithFields(logrus.Fields{
				"result_id": resultID,
				"matches":   len(matches),
			}).Debug("Background evidence matching finished")
		}(res.ID)
	}
}

// Wait blocks until background matching started so far has finished
func (p *Processor) Wait() {
	p.matching.Wait()
}
