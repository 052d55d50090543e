package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"gopkg.in/guregu/null.v3"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/internal/prom"
	"github.com/tokenlease/tokend/pkg/model"
)

// DefaultLeaseDuration is how long an activation holds a token before the
// delayed-release queue reclaims it.
const DefaultLeaseDuration = 120 * time.Second

// Scheduler enqueues the delayed release of a token. Implemented by the
// queue package.
type Scheduler interface {
	Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error {
	return f(ctx, tokenID, delay)
}

// Cache receives the allocator's post-commit state updates. Implemented by
// the statecache package.
type Cache interface {
	MarkActive(t *model.Token)
	MarkAvailable(tokenID uuid.UUID)
	BulkMarkAvailable(tokenIDs []uuid.UUID)
}

// Publisher broadcasts token state-change events. Implemented by the stream
// package.
type Publisher interface {
	Publish(events ...model.TokenEvent)
}

// TokenService owns the transactional token lifecycle: activation with LRU
// preemption, release, bulk clear and expiration. All persistent writes run
// inside one transaction per operation; queue, cache and event side effects
// run post-commit and never fail the operation.
type TokenService struct {
	db        *bun.DB
	repo      *Repository
	scheduler Scheduler
	cache     Cache
	bus       Publisher
	lease     time.Duration

	log *log.Entry
}

// NewTokenService wires the allocator.
func NewTokenService(
	bunDB *bun.DB,
	repo *Repository,
	scheduler Scheduler,
	cache Cache,
	bus Publisher,
	lease time.Duration,
) *TokenService {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	return &TokenService{
		db:        bunDB,
		repo:      repo,
		scheduler: scheduler,
		cache:     cache,
		bus:       bus,
		lease:     lease,
		log:       log.WithField("component", "token-service"),
	}
}

// LeaseDuration returns the configured lease length.
func (s *TokenService) LeaseDuration() time.Duration {
	return s.lease
}

// Activate assigns a token to the user and opens a usage for it. When the
// pool is saturated it preempts the oldest active token inside the same
// transaction. Post-commit it schedules the delayed release, updates the
// cache and publishes events.
func (s *TokenService) Activate(
	ctx context.Context, userID uuid.UUID,
) (*model.Token, *model.TokenUsage, error) {
	var (
		token     *model.Token
		usage     *model.TokenUsage
		preempted *model.Token
	)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := s.repo.GetUserActiveToken(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyHasActiveToken
		}

		token, preempted, err = s.selectToken(ctx, tx)
		if err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Second)
		token.Status = model.TokenStatusActive
		token.CurrentUserID = null.StringFrom(userID.String())
		token.ActivatedAt = null.TimeFrom(now)
		if err := s.repo.UpdateToken(ctx, tx, token); err != nil {
			return err
		}

		usage = &model.TokenUsage{
			TokenID:   token.ID,
			UserID:    userID,
			StartedAt: now,
		}
		return s.repo.InsertUsage(ctx, tx, usage)
	})
	if err != nil {
		// The partial unique index on (current_user_id) WHERE active is the
		// second line of defense against concurrent double-activation by one
		// user; translate it rather than surfacing a driver error.
		if db.IsUniqueViolation(err) {
			err = ErrAlreadyHasActiveToken
		}
		prom.Activations.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, nil, err
	}

	prom.Activations.WithLabelValues("ok").Inc()
	if preempted != nil {
		prom.Preemptions.Inc()
	}

	// Post-commit side effects, in order: queue schedule, cache update, event
	// publish. A schedule failure does not fail the activation; the periodic
	// reconciler and the clear escape hatch bound the leak.
	if err := s.scheduler.Schedule(ctx, token.ID, s.lease); err != nil {
		s.log.WithError(err).WithField("token_id", token.ID).
			Error("failed to schedule delayed release")
	}
	if preempted != nil {
		s.cache.MarkAvailable(preempted.ID)
	}
	s.cache.MarkActive(token)

	events := make([]model.TokenEvent, 0, 2)
	if preempted != nil {
		events = append(events, model.ReleasedEvent(preempted.ID))
	}
	events = append(events, model.ActivatedEvent(token))
	s.bus.Publish(events...)

	return token, usage, nil
}

// selectToken picks the token to hand out, preempting the oldest active one
// when the pool is saturated. Returns the selected token and, if preemption
// happened, the pre-release snapshot of the displaced token.
func (s *TokenService) selectToken(
	ctx context.Context, tx bun.Tx,
) (*model.Token, *model.Token, error) {
	token, err := s.repo.PickAvailableForUpdate(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	if token != nil {
		return token, nil, nil
	}

	// The count is advisory only: it decides between the retry path and the
	// preemption path, while the row-locked pickers stay the source of truth.
	active, err := s.repo.CountActive(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	if active < model.PoolSize {
		// A concurrent release may have freed a row between the first pick and
		// the count; retry the skip-locked pick once.
		token, err = s.repo.PickAvailableForUpdate(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		if token == nil {
			return nil, nil, ErrNoTokensAvailable
		}
		return token, nil, nil
	}

	oldest, err := s.repo.PickOldestActiveForUpdate(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	if oldest == nil {
		return nil, nil, ErrNoTokensAvailable
	}
	preempted := *oldest
	if err := s.releaseLocked(ctx, tx, oldest, time.Now().UTC().Truncate(time.Second)); err != nil {
		return nil, nil, err
	}
	return oldest, &preempted, nil
}

// releaseLocked closes the token's open usage and resets the row. The token
// must already be locked by the surrounding transaction.
func (s *TokenService) releaseLocked(
	ctx context.Context, tx bun.Tx, token *model.Token, now time.Time,
) error {
	usage, err := s.repo.GetOpenUsage(ctx, tx, token.ID)
	if err != nil {
		return err
	}
	if usage != nil {
		if err := s.repo.CloseUsage(ctx, tx, usage, now); err != nil {
			return err
		}
	}
	token.Status = model.TokenStatusAvailable
	token.CurrentUserID = null.String{}
	token.ActivatedAt = null.Time{}
	return s.repo.UpdateToken(ctx, tx, token)
}

// Release returns a token to the pool. Releasing an already-available token
// is a no-op success.
func (s *TokenService) Release(ctx context.Context, tokenID uuid.UUID) (*model.Token, error) {
	var (
		token    *model.Token
		released bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		token, err = s.repo.GetTokenForUpdate(ctx, tx, tokenID)
		if errors.Is(err, db.ErrNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		if !token.IsActive() {
			return nil
		}
		released = true
		return s.releaseLocked(ctx, tx, token, time.Now().UTC().Truncate(time.Second))
	})
	if err != nil {
		return nil, err
	}

	if released {
		s.cache.MarkAvailable(token.ID)
		s.bus.Publish(model.ReleasedEvent(token.ID))
	}
	return token, nil
}

// ClearActive resets every active token and closes every open usage at one
// timestamp. It always succeeds; with nothing active it returns 0. This is
// the operator escape hatch for leaked leases.
func (s *TokenService) ClearActive(ctx context.Context) (int, error) {
	var clearedIDs []uuid.UUID
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC().Truncate(time.Second)
		ids, usagesClosed, err := s.repo.ClearAllActive(ctx, tx, now)
		if err != nil {
			return err
		}
		if len(ids) != usagesClosed {
			s.log.Warnf("clear reset %d tokens but closed %d usages", len(ids), usagesClosed)
		}
		clearedIDs = ids
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.cache.BulkMarkAvailable(clearedIDs)
	events := make([]model.TokenEvent, 0, len(clearedIDs))
	for _, id := range clearedIDs {
		events = append(events, model.ReleasedEvent(id))
	}
	s.bus.Publish(events...)

	return len(clearedIDs), nil
}

// ExpireIfDue releases the token if its current activation has run past the
// lease. It is the queue's entry point and is idempotent: a stale or
// duplicate job observes ErrNotExpired, which callers treat as success.
func (s *TokenService) ExpireIfDue(ctx context.Context, tokenID uuid.UUID) (*model.Token, error) {
	var token *model.Token
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		token, err = s.repo.GetTokenForUpdate(ctx, tx, tokenID)
		if errors.Is(err, db.ErrNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}

		// Another path already released it.
		if !token.IsActive() || !token.ActivatedAt.Valid {
			return ErrNotExpired
		}

		// The token was released and re-activated since this job was
		// scheduled; the newer activation carries its own job.
		now := time.Now().UTC()
		if expiresAt, ok := token.ExpiresAt(s.lease); ok && now.Before(expiresAt) {
			return ErrNotExpired
		}

		usage, err := s.repo.GetOpenUsage(ctx, tx, tokenID)
		if err != nil {
			return err
		}
		if usage == nil {
			return ErrNotExpired
		}

		if err := s.repo.CloseUsage(ctx, tx, usage, now.Truncate(time.Second)); err != nil {
			return err
		}
		token.Status = model.TokenStatusAvailable
		token.CurrentUserID = null.String{}
		token.ActivatedAt = null.Time{}
		return s.repo.UpdateToken(ctx, tx, token)
	})
	if err != nil {
		return nil, err
	}

	s.cache.MarkAvailable(token.ID)
	s.bus.Publish(model.ReleasedEvent(token.ID))
	return token, nil
}

// Seed tops the pool up to the fixed size inside one transaction.
func (s *TokenService) Seed(ctx context.Context) (int, error) {
	var created int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		created, err = s.repo.SeedTokens(ctx, tx, model.PoolSize)
		return err
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.log.Infof("seeded %d tokens to reach the pool size of %d", created, model.PoolSize)
	}
	return created, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyHasActiveToken):
		return "already_active"
	case errors.Is(err, ErrNoTokensAvailable):
		return "exhausted"
	default:
		return "error"
	}
}
