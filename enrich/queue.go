package enrich

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrInFlight is returned by Enqueue when a lookup for the same IOC value is
// already queued or running.
var ErrInFlight = errors.New("enrichment already in flight")

const (
	dispatchInterval = time.Second
	dispatchBatch    = 32
	inflightCap      = 4096
	inflightTTL      = 5 * time.Minute
)

// QueueConfig bounds the queue's retry behavior.
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultQueueConfig returns the standard retry policy.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Workers: 4, MaxAttempts: 3, BackoffBase: 5 * time.Second}
}

// Queue is the durable enrichment pipeline: Enqueue persists lookup jobs,
// and the dispatcher hands due jobs to a fixed worker pool. Jobs survive
// restarts; exhausted jobs land in a dead state instead of vanishing.
type Queue struct {
	cfg      QueueConfig
	jobs     *storage.JobStore
	worker   *Worker
	inflight *expirable.LRU[string, struct{}]
	logger   *zap.SugaredLogger

	jobCh    chan *storage.IntelLookupJob
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates an enrichment queue over the given store and worker.
func NewQueue(cfg QueueConfig, jobs *storage.JobStore, worker *Worker, logger *zap.SugaredLogger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultQueueConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultQueueConfig().BackoffBase
	}
	return &Queue{
		cfg:      cfg,
		jobs:     jobs,
		worker:   worker,
		inflight: expirable.NewLRU[string, struct{}](inflightCap, nil, inflightTTL),
		logger:   logger,
		jobCh:    make(chan *storage.IntelLookupJob, dispatchBatch),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue classifies the IOC and persists a lookup job for it. Values that
// match no known IOC shape are rejected, never enqueued. A value already in
// flight returns ErrInFlight instead of a second job.
func (q *Queue) Enqueue(iocValue, alertID string) (*storage.IntelLookupJob, error) {
	iocType, err := core.ClassifyIOC(iocValue)
	if err != nil {
		return nil, fmt.Errorf("cannot enqueue %q: %w", iocValue, err)
	}

	if _, dup := q.inflight.Get(iocValue); dup {
		q.logger.Debugw("Enrichment already in flight, skipping", "ioc", iocValue)
		return nil, ErrInFlight
	}

	job, err := q.jobs.Insert(iocValue, iocType, alertID)
	if err != nil {
		return nil, err
	}
	q.inflight.Add(iocValue, struct{}{})
	metrics.EnrichmentJobs.WithLabelValues("enqueued").Inc()
	return job, nil
}

// Start requeues jobs orphaned by a previous crash, then runs the dispatcher
// and worker pool until Stop.
func (q *Queue) Start() error {
	requeued, err := q.jobs.RequeueRunning()
	if err != nil {
		return err
	}
	if requeued > 0 {
		q.logger.Infow("Requeued orphaned enrichment jobs", "count", requeued)
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.runWorker(i)
	}
	q.wg.Add(1)
	go q.runDispatcher()
	return nil
}

// Stop halts dispatching and waits for in-progress jobs to finish. Safe to
// call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

func (q *Queue) runDispatcher() {
	defer q.wg.Done()
	defer goroutine.Recover("enrich-dispatcher", q.logger)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			close(q.jobCh)
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

func (q *Queue) dispatch() {
	due, err := q.jobs.ClaimDue(dispatchBatch)
	if err != nil {
		q.logger.Errorw("Failed to claim due enrichment jobs", "error", err)
		return
	}
	for _, job := range due {
		select {
		case q.jobCh <- job:
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) runWorker(id int) {
	defer q.wg.Done()
	defer goroutine.Recover(fmt.Sprintf("enrich-worker-%d", id), q.logger)

	for job := range q.jobCh {
		q.handle(job)
	}
}

func (q *Queue) handle(job *storage.IntelLookupJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*providerTimeout)
	defer cancel()

	err := q.worker.Process(ctx, job)
	if err == nil {
		if err := q.jobs.Complete(job.ID); err != nil {
			q.logger.Errorw("Failed to mark enrichment job done", "job", job.ID, "error", err)
			return
		}
		q.inflight.Remove(job.IOCValue)
		metrics.EnrichmentJobs.WithLabelValues("done").Inc()
		return
	}

	attempt := job.Attempts + 1
	next := time.Now().UTC().Add(q.backoff(attempt))
	dead, failErr := q.jobs.Fail(job.ID, attempt, q.cfg.MaxAttempts, next, err.Error())
	if failErr != nil {
		q.logger.Errorw("Failed to record enrichment job failure", "job", job.ID, "error", failErr)
		return
	}
	if dead {
		q.inflight.Remove(job.IOCValue)
		metrics.EnrichmentJobs.WithLabelValues("dead").Inc()
		q.logger.Errorw("Enrichment job exhausted retries",
			"job", job.ID, "ioc", job.IOCValue, "attempts", attempt, "error", err)
		return
	}
	metrics.EnrichmentJobs.WithLabelValues("retried").Inc()
	q.logger.Warnw("Enrichment job failed, retry scheduled",
		"job", job.ID, "ioc", job.IOCValue, "attempt", attempt, "next", next, "error", err)
}

// backoff doubles per attempt: base, 2x base, 4x base.
func (q *Queue) backoff(attempt int) time.Duration {
	return q.cfg.BackoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
}
