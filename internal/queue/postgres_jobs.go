package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"gopkg.in/guregu/null.v3"

	"github.com/tokenlease/tokend/pkg/model"
)

// enqueueJob persists a pending job for the token, or moves the deadline of
// the one that already exists. The partial unique index on (token_id) WHERE
// state='pending' is the conflict target: when a token is re-activated while
// the previous holder's job is still pending (preemption does this every
// time), the new activation's run_at supersedes the stale one instead of
// being dropped, so the single pending job always tracks the current lease.
func enqueueJob(ctx context.Context, idb bun.IDB, tokenID uuid.UUID, runAt time.Time) error {
	now := time.Now().UTC()
	job := &model.ReleaseJob{
		TokenID:   tokenID,
		RunAt:     runAt,
		State:     model.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := idb.NewInsert().Model(job).
		On("CONFLICT (token_id) WHERE state = 'pending' DO UPDATE").
		Set("run_at = EXCLUDED.run_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return errors.Wrap(err, "enqueueing release job")
}

// jobBatch is a set of due jobs held under an open transaction. The row
// locks pin the jobs to this worker; if the process dies before commit the
// rows stay pending and a later dequeue retries them, giving at-least-once
// execution across restarts.
type jobBatch struct {
	tx       bun.Tx
	jobs     []*model.ReleaseJob
	consumed bool
}

// dequeueJobs locks up to limit due pending jobs. Skip-locked keeps
// concurrent workers off each other's batches.
func dequeueJobs(ctx context.Context, db *bun.DB, limit int) (*jobBatch, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "starting dequeue transaction")
	}

	var jobs []*model.ReleaseJob
	err = tx.NewSelect().Model(&jobs).
		Where("state = ?", model.JobStatePending).
		Where("run_at <= ?", time.Now().UTC()).
		Order("run_at ASC").
		Limit(limit).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("failed to roll back dequeue transaction")
		}
		return nil, errors.Wrap(err, "selecting due jobs")
	}
	return &jobBatch{tx: tx, jobs: jobs}, nil
}

// complete marks a job finished within the batch transaction.
func (b *jobBatch) complete(ctx context.Context, job *model.ReleaseJob) error {
	job.State = model.JobStateCompleted
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	_, err := b.tx.NewUpdate().Model(job).
		Column("state", "attempts", "updated_at").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "completing release job")
}

// retryLater reschedules a failed attempt, or marks the job failed once the
// attempt budget is exhausted. Exhausted jobs never block the system: the
// next activation of the token schedules a fresh job and the clear endpoint
// remains the operator escape hatch.
func (b *jobBatch) retryLater(
	ctx context.Context, job *model.ReleaseJob, runErr error, maxAttempts int, delay time.Duration,
) error {
	job.Attempts++
	job.LastError = null.StringFrom(runErr.Error())
	job.UpdatedAt = time.Now().UTC()
	if job.Attempts >= maxAttempts {
		job.State = model.JobStateFailed
	} else {
		job.RunAt = time.Now().UTC().Add(delay)
	}
	_, err := b.tx.NewUpdate().Model(job).
		Column("state", "attempts", "last_error", "run_at", "updated_at").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "rescheduling release job")
}

// commit finalizes the batch.
func (b *jobBatch) commit() error {
	b.consumed = true
	return errors.Wrap(b.tx.Commit(), "committing job batch")
}

// rollback releases the batch's locks if it was never committed.
func (b *jobBatch) rollback() error {
	if b.consumed {
		return nil
	}
	b.consumed = true
	return b.tx.Rollback()
}
