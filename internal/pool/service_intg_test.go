//go:build integration
// +build integration

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/tokenlease/tokend/pkg/model"
)

type recordingScheduler struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *recordingScheduler) Schedule(_ context.Context, tokenID uuid.UUID, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tokenID)
	return nil
}

type recordingCache struct {
	mu        sync.Mutex
	active    []uuid.UUID
	available []uuid.UUID
}

func (r *recordingCache) MarkActive(t *model.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, t.ID)
}

func (r *recordingCache) MarkAvailable(tokenID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = append(r.available, tokenID)
}

func (r *recordingCache) BulkMarkAvailable(tokenIDs []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = append(r.available, tokenIDs...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []model.TokenEvent
}

func (r *recordingBus) Publish(events ...model.TokenEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recordingBus) byKind(kind model.TokenEventKind) []model.TokenEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TokenEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type serviceHarness struct {
	db        *bun.DB
	repo      *Repository
	svc       *TokenService
	scheduler *recordingScheduler
	cache     *recordingCache
	bus       *recordingBus
}

func setupServiceTest(t *testing.T, lease time.Duration) *serviceHarness {
	bunDB, repo := setupRepoTest(t)
	h := &serviceHarness{
		db:        bunDB,
		repo:      repo,
		scheduler: &recordingScheduler{},
		cache:     &recordingCache{},
		bus:       &recordingBus{},
	}
	h.svc = NewTokenService(bunDB, repo, h.scheduler, h.cache, h.bus, lease)
	return h
}

func TestActivateOnFreshPool(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	seedN(t, h.db, h.repo, model.PoolSize)

	userID := uuid.New()
	token, usage, err := h.svc.Activate(ctx, userID)
	require.NoError(t, err)
	require.True(t, token.IsActive())
	require.Equal(t, userID.String(), token.CurrentUserID.String)
	require.Equal(t, userID, usage.UserID)
	require.True(t, usage.StartedAt.Equal(token.ActivatedAt.Time))
	require.True(t, usage.IsOpen())

	active, err := h.repo.CountActive(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, 1, active)

	open, err := h.repo.CountOpenUsages(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, 1, open)

	require.Equal(t, []uuid.UUID{token.ID}, h.scheduler.calls)
	require.Equal(t, []uuid.UUID{token.ID}, h.cache.active)

	activated := h.bus.byKind(model.TokenActivated)
	require.Len(t, activated, 1)
	require.Equal(t, token.ID, activated[0].TokenID)
}

func TestActivateRejectsSecondTokenForUser(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	seedN(t, h.db, h.repo, model.PoolSize)

	userID := uuid.New()
	_, _, err := h.svc.Activate(ctx, userID)
	require.NoError(t, err)

	_, _, err = h.svc.Activate(ctx, userID)
	require.ErrorIs(t, err, ErrAlreadyHasActiveToken)

	active, err := h.repo.CountActive(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, 1, active)

	open, err := h.repo.CountOpenUsages(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, 1, open)
}

func TestActivateFailsOnEmptyUnsaturatedPool(t *testing.T) {
	h := setupServiceTest(t, 0)
	// No tokens seeded at all: the pool is neither full nor saturated.
	_, _, err := h.svc.Activate(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNoTokensAvailable)
}

func TestActivatePreemptsOldestWhenSaturated(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	tokens := seedN(t, h.db, h.repo, model.PoolSize)

	// Saturate the pool; make tokens[0]'s holder clearly the oldest.
	base := time.Now().UTC().Truncate(time.Second)
	firstUser := uuid.New()
	activateDirectly(t, h.db, h.repo, tokens[0], firstUser, base.Add(-2*time.Minute))
	for i := 1; i < model.PoolSize; i++ {
		activateDirectly(t, h.db, h.repo, tokens[i], uuid.New(), base)
	}

	newUser := uuid.New()
	token, usage, err := h.svc.Activate(ctx, newUser)
	require.NoError(t, err)
	require.Equal(t, tokens[0].ID, token.ID, "the oldest holder's token is reassigned")
	require.Equal(t, newUser, usage.UserID)

	// Pool totals unchanged; still fully active.
	total, err := h.repo.CountTotal(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, total)
	active, err := h.repo.CountActive(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, active)

	// The preempted epoch closed, the new one opened.
	history, err := h.repo.GetTokenHistory(ctx, h.db, token.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].IsOpen())
	require.Equal(t, newUser, history[0].UserID)
	require.False(t, history[1].IsOpen())
	require.Equal(t, firstUser, history[1].UserID)

	// Side effects: a release for the old holder, an activation for the new.
	require.Equal(t, []uuid.UUID{token.ID}, h.cache.available)
	require.Equal(t, []uuid.UUID{token.ID}, h.cache.active)
	require.Len(t, h.bus.byKind(model.TokenReleased), 1)
	require.Len(t, h.bus.byKind(model.TokenActivated), 1)
}

func TestConcurrentActivationUnderContention(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	tokens := seedN(t, h.db, h.repo, model.PoolSize)

	// 95 active, 5 available.
	base := time.Now().UTC().Truncate(time.Second)
	for i := 5; i < model.PoolSize; i++ {
		activateDirectly(t, h.db, h.repo, tokens[i], uuid.New(), base.Add(-time.Duration(i)*time.Second))
	}

	const contenders = 10
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = h.svc.Activate(ctx, uuid.New())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "contender %d", i)
	}

	active, err := h.repo.CountActive(ctx, h.db)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, active)

	// No double assignment: every active token holds a distinct user.
	all, err := h.repo.ListTokens(ctx, h.db)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, tok := range all {
		require.True(t, tok.IsActive())
		require.False(t, seen[tok.CurrentUserID.String], "user %s double-assigned", tok.CurrentUserID.String)
		seen[tok.CurrentUserID.String] = true
	}
}

func TestReleaseRoundTripAndIdempotency(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	seedN(t, h.db, h.repo, 3)

	token, _, err := h.svc.Activate(ctx, uuid.New())
	require.NoError(t, err)

	released, err := h.svc.Release(ctx, token.ID)
	require.NoError(t, err)
	require.False(t, released.IsActive())
	require.False(t, released.CurrentUserID.Valid)
	require.False(t, released.ActivatedAt.Valid)

	// History grew by one closed usage.
	history, err := h.repo.GetTokenHistory(ctx, h.db, token.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].IsOpen())
	require.True(t, !history[0].EndedAt.Time.Before(history[0].StartedAt))

	// Releasing an already-available token is a no-op success.
	_, err = h.svc.Release(ctx, token.ID)
	require.NoError(t, err)

	_, err = h.svc.Release(ctx, uuid.New())
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestClearActive(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()
	seedN(t, h.db, h.repo, model.PoolSize)

	for i := 0; i < 3; i++ {
		_, _, err := h.svc.Activate(ctx, uuid.New())
		require.NoError(t, err)
	}

	cleared, err := h.svc.ClearActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, cleared)

	active, err := h.repo.CountActive(ctx, h.db)
	require.NoError(t, err)
	require.Zero(t, active)

	require.Len(t, h.cache.available, 3)
	require.Len(t, h.bus.byKind(model.TokenReleased), 3)

	// Clearing an idle pool returns zero.
	cleared, err = h.svc.ClearActive(ctx)
	require.NoError(t, err)
	require.Zero(t, cleared)
}

func TestExpireIfDue(t *testing.T) {
	h := setupServiceTest(t, 50*time.Millisecond)
	ctx := context.Background()
	seedN(t, h.db, h.repo, 2)

	token, _, err := h.svc.Activate(ctx, uuid.New())
	require.NoError(t, err)

	// Not due yet: the activation instant is truncated to the second, so wait
	// out the lease before asserting the released state.
	time.Sleep(1100 * time.Millisecond)

	released, err := h.svc.ExpireIfDue(ctx, token.ID)
	require.NoError(t, err)
	require.False(t, released.IsActive())

	usage, err := h.repo.GetOpenUsage(ctx, h.db, token.ID)
	require.NoError(t, err)
	require.Nil(t, usage)

	// A duplicate or stale job is a no-op.
	_, err = h.svc.ExpireIfDue(ctx, token.ID)
	require.ErrorIs(t, err, ErrNotExpired)

	_, err = h.svc.ExpireIfDue(ctx, uuid.New())
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExpireIfDueIgnoresFreshActivation(t *testing.T) {
	h := setupServiceTest(t, time.Hour)
	ctx := context.Background()
	seedN(t, h.db, h.repo, 1)

	token, _, err := h.svc.Activate(ctx, uuid.New())
	require.NoError(t, err)

	// The lease is an hour; a job firing now must leave the token alone.
	_, err = h.svc.ExpireIfDue(ctx, token.ID)
	require.ErrorIs(t, err, ErrNotExpired)

	current, err := h.repo.GetToken(ctx, h.db, token.ID)
	require.NoError(t, err)
	require.True(t, current.IsActive())
}

func TestSeedTopsUpThroughService(t *testing.T) {
	h := setupServiceTest(t, 0)
	ctx := context.Background()

	created, err := h.svc.Seed(ctx)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, created)

	created, err = h.svc.Seed(ctx)
	require.NoError(t, err)
	require.Zero(t, created)
}
