package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"gopkg.in/guregu/null.v3"
)

// PoolSize is the fixed number of tokens in the pool. The pool is seeded up
// to this size on startup and never grows or shrinks afterwards.
const PoolSize = 100

// TokenStatus is the lifecycle state of a token.
type TokenStatus string

const (
	// TokenStatusAvailable means the token has no current holder.
	TokenStatusAvailable TokenStatus = "available"
	// TokenStatusActive means the token is assigned to a user.
	TokenStatusActive TokenStatus = "active"
)

// Token is one fungible allocation slot. Rows are created once at seed time
// and mutated only by the allocator inside a transaction; they are never
// deleted.
//
// Structural invariants, enforced by the allocator and the partial unique
// index on (current_user_id) WHERE status='active':
//   - status=active  <=> current_user_id and activated_at are both set.
//   - no two active tokens share a current_user_id.
type Token struct {
	bun.BaseModel `bun:"table:tokens,alias:t"`

	ID            uuid.UUID   `bun:"id,pk,type:uuid" json:"id"`
	Status        TokenStatus `bun:"status,notnull" json:"status"`
	CurrentUserID null.String `bun:"current_user_id,type:uuid" json:"current_user_id"`
	ActivatedAt   null.Time   `bun:"activated_at" json:"activated_at"`
	CreatedAt     time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time   `bun:"updated_at,notnull" json:"updated_at"`

	Usages []*TokenUsage `bun:"rel:has-many,join:id=token_id" json:"usages,omitempty"`
}

// IsActive reports whether the token currently has a holder.
func (t *Token) IsActive() bool {
	return t.Status == TokenStatusActive
}

// ExpiresAt returns the instant the current activation lapses, given the
// configured lease duration. The second return is false for available
// tokens.
func (t *Token) ExpiresAt(lease time.Duration) (time.Time, bool) {
	if !t.IsActive() || !t.ActivatedAt.Valid {
		return time.Time{}, false
	}
	return t.ActivatedAt.Time.Add(lease), true
}

// OpenUsage returns the usage with no end time from the loaded Usages
// relation, or nil if none is loaded or open.
func (t *Token) OpenUsage() *TokenUsage {
	for _, u := range t.Usages {
		if u.IsOpen() {
			return u
		}
	}
	return nil
}

// TokenUsage records one activation epoch of a token. A usage is opened on
// activation and closed exactly once on release, preemption, expiration or
// bulk clear; closed usages are immutable and retained for history.
type TokenUsage struct {
	bun.BaseModel `bun:"table:token_usages,alias:tu"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	TokenID   uuid.UUID `bun:"token_id,notnull,type:uuid" json:"token_id"`
	UserID    uuid.UUID `bun:"user_id,notnull,type:uuid" json:"user_id"`
	StartedAt time.Time `bun:"started_at,notnull" json:"started_at"`
	EndedAt   null.Time `bun:"ended_at" json:"ended_at"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// IsOpen reports whether the usage has not been closed yet.
func (u *TokenUsage) IsOpen() bool {
	return !u.EndedAt.Valid
}
