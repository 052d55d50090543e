// Package queue is the durable delayed-release scheduler. Jobs are rows in
// token_release_jobs; workers poll for due rows, lock them with skip-locked
// semantics and invoke the allocator's expire-if-due entry point with
// at-least-once delivery across restarts.
package queue

import (
	"context"
	"sync"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"github.com/tokenlease/tokend/internal/pool"
	"github.com/tokenlease/tokend/internal/prom"
	"github.com/tokenlease/tokend/pkg/model"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = time.Second
	defaultBatchSize    = 10
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 5 * time.Second

	backoffAttempts = 2
	backoffInterval = 100 * time.Millisecond
	backoffMax      = 2 * time.Second
)

// Expirer is the allocator entry point the queue drives.
type Expirer interface {
	ExpireIfDue(ctx context.Context, tokenID uuid.UUID) (*model.Token, error)
}

// Config tunes the queue workers.
type Config struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`
	MaxAttempts  int           `json:"max_attempts"`
	RetryDelay   time.Duration `json:"retry_delay"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Queue schedules and executes delayed token releases.
type Queue struct {
	db      *bun.DB
	expirer Expirer
	cfg     Config

	log    *log.Entry
	wake   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates the queue without starting workers; call Start.
func New(db *bun.DB, expirer Expirer, cfg Config) *Queue {
	return &Queue{
		db:      db,
		expirer: expirer,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "release-queue"),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Workers immediately process any backlog
// persisted before a restart.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background()) // Queue-lifetime scoped context.
	q.cancel = cancel

	// Always attempt to process existing jobs on startup.
	q.Wake()

	for i := 0; i < q.cfg.Workers; i++ {
		w := &worker{
			queue: q,
			log:   log.WithFields(log.Fields{"component": "release-queue-worker", "id": i}),
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			w.work(ctx)
		}()
	}
}

// Close stops the workers and waits for in-flight batches to settle.
func (q *Queue) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Schedule enqueues the delayed release of a token. At most one pending job
// exists per token; scheduling again while one is pending moves its run_at
// to the new deadline.
func (q *Queue) Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error {
	runAt := time.Now().UTC().Add(delay)
	if err := enqueueJob(ctx, q.db, tokenID, runAt); err != nil {
		return err
	}
	q.Wake()
	return nil
}

// Wake nudges the workers without blocking.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
		// A wake is already pending; whoever consumes it must drain all due
		// jobs, so dropping this one is safe.
	}
}

type worker struct {
	queue *Queue
	log   *log.Entry
}

func (w *worker) work(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Errorf("uncaught error, release queue worker crashed: %v", rec)
		}
	}()

	ticker := time.NewTicker(w.queue.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.queue.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		if err := w.drain(ctx); err != nil {
			w.log.WithError(err).Error("failed to process release jobs")
		}
	}
}

// drain processes batches until no due jobs remain.
func (w *worker) drain(ctx context.Context) error {
	for {
		switch n, err := w.processBatch(ctx); {
		case err != nil:
			return err
		case n <= 0:
			return nil
		}
	}
}

func (w *worker) processBatch(ctx context.Context) (int, error) {
	b, err := dequeueJobs(ctx, w.queue.db, w.queue.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rbErr := b.rollback(); rbErr != nil {
			w.log.WithError(rbErr).Warn("failed to finalize job batch")
		}
	}()

	for _, job := range b.jobs {
		if err := w.runJob(ctx, b, job); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := b.commit(); err != nil {
		return 0, err
	}
	return len(b.jobs), nil
}

// runJob invokes expire-if-due with a short in-process retry, then records
// the outcome on the job row within the batch transaction. A released token
// and a no-op (already released, re-activated, or deleted) both complete the
// job.
func (w *worker) runJob(ctx context.Context, b *jobBatch, job *model.ReleaseJob) error {
	var result string
	op := func() error {
		_, err := w.queue.expirer.ExpireIfDue(ctx, job.TokenID)
		switch {
		case err == nil:
			result = "released"
			return nil
		case errors.Is(err, pool.ErrNotExpired):
			result = "not_expired"
			return nil
		case errors.Is(err, pool.ErrTokenNotFound):
			result = "not_found"
			return nil
		default:
			return err
		}
	}

	if runErr := back.Retry(op, backoffPolicy()); runErr != nil {
		prom.Expirations.WithLabelValues("error").Inc()
		prom.QueueRetries.Inc()
		w.log.WithError(runErr).WithFields(log.Fields{
			"token_id": job.TokenID,
			"attempts": job.Attempts + 1,
		}).Error("release job failed")
		return b.retryLater(ctx, job, runErr, w.queue.cfg.MaxAttempts, w.retryDelay(job))
	}

	prom.Expirations.WithLabelValues(result).Inc()
	return b.complete(ctx, job)
}

// retryDelay grows exponentially with the persisted attempt count.
func (w *worker) retryDelay(job *model.ReleaseJob) time.Duration {
	delay := w.queue.cfg.RetryDelay
	for i := 0; i < job.Attempts; i++ {
		delay *= 2
	}
	return delay
}

func backoffPolicy() back.BackOff {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = backoffInterval
	bf.MaxInterval = backoffMax
	return back.WithMaxRetries(bf, backoffAttempts)
}
