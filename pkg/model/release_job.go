package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"gopkg.in/guregu/null.v3"
)

// JobState is the lifecycle state of a delayed-release job.
type JobState string

const (
	// JobStatePending means the job is waiting for its run_at instant.
	JobStatePending JobState = "pending"
	// JobStateCompleted means the job ran to completion, including the
	// not-expired no-op outcome.
	JobStateCompleted JobState = "completed"
	// JobStateFailed means the job exhausted its retry budget.
	JobStateFailed JobState = "failed"
)

// ReleaseJob is one persisted delayed-release job. At most one pending job
// exists per token at a time, enforced by a partial unique index on
// (token_id) WHERE state='pending'; scheduling while one is pending updates
// its run_at rather than adding a row.
type ReleaseJob struct {
	bun.BaseModel `bun:"table:token_release_jobs,alias:rj"`

	ID        int64       `bun:"id,pk,autoincrement" json:"id"`
	TokenID   uuid.UUID   `bun:"token_id,notnull,type:uuid" json:"token_id"`
	RunAt     time.Time   `bun:"run_at,notnull" json:"run_at"`
	State     JobState    `bun:"state,notnull" json:"state"`
	Attempts  int         `bun:"attempts,notnull" json:"attempts"`
	LastError null.String `bun:"last_error" json:"last_error"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time   `bun:"updated_at,notnull" json:"updated_at"`
}
