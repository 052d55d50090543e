//go:build integration
// +build integration

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"gopkg.in/guregu/null.v3"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/pkg/model"
)

const migrationsFromPool = "../../static/migrations"

func setupRepoTest(t *testing.T) (*bun.DB, *Repository) {
	bunDB := db.MustResolveTestPostgres(t)
	db.MustMigrateTestPostgres(t, migrationsFromPool)
	cleanTables(t, bunDB)
	t.Cleanup(func() {
		cleanTables(t, bunDB)
		require.NoError(t, db.Close())
		db.PostTestTeardown()
	})
	return bunDB, NewRepository()
}

func cleanTables(t *testing.T, bunDB *bun.DB) {
	_, err := bunDB.Exec("TRUNCATE token_release_jobs, token_usages, tokens")
	require.NoError(t, err)
}

// seedN inserts n available tokens directly, bypassing the pool-size top-up,
// so tests can work with small pools.
func seedN(t *testing.T, bunDB *bun.DB, repo *Repository, n int) []*model.Token {
	ctx := context.Background()
	now := time.Now().UTC()
	tokens := make([]*model.Token, 0, n)
	for i := 0; i < n; i++ {
		tokens = append(tokens, &model.Token{
			ID:        uuid.New(),
			Status:    model.TokenStatusAvailable,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	_, err := bunDB.NewInsert().Model(&tokens).Exec(ctx)
	require.NoError(t, err)
	return tokens
}

// activateDirectly flips a token to active and opens a usage without going
// through the allocator.
func activateDirectly(
	t *testing.T, bunDB *bun.DB, repo *Repository,
	token *model.Token, userID uuid.UUID, activatedAt time.Time,
) {
	ctx := context.Background()
	token.Status = model.TokenStatusActive
	token.CurrentUserID = null.StringFrom(userID.String())
	token.ActivatedAt = null.TimeFrom(activatedAt)
	require.NoError(t, repo.UpdateToken(ctx, bunDB, token))
	require.NoError(t, repo.InsertUsage(ctx, bunDB, &model.TokenUsage{
		TokenID:   token.ID,
		UserID:    userID,
		StartedAt: activatedAt,
	}))
}

func TestSeedTokensTopsUpToPoolSize(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()

	created, err := repo.SeedTokens(ctx, bunDB, model.PoolSize)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, created)

	total, err := repo.CountTotal(ctx, bunDB)
	require.NoError(t, err)
	require.Equal(t, model.PoolSize, total)

	// Idempotent on restart.
	created, err = repo.SeedTokens(ctx, bunDB, model.PoolSize)
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestPickAvailableForUpdateSkipsLockedRows(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	seedN(t, bunDB, repo, 2)

	tx1, err := bunDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx1.Rollback() //nolint:errcheck

	first, err := repo.PickAvailableForUpdate(ctx, tx1)
	require.NoError(t, err)
	require.NotNil(t, first)

	// A concurrent transaction must skip the locked row and get the other.
	tx2, err := bunDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback() //nolint:errcheck

	second, err := repo.PickAvailableForUpdate(ctx, tx2)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.ID, second.ID)

	// With both rows locked, a third picker sees nothing rather than block.
	tx3, err := bunDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx3.Rollback() //nolint:errcheck

	third, err := repo.PickAvailableForUpdate(ctx, tx3)
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestPickOldestActiveForUpdateOrdersByActivation(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	tokens := seedN(t, bunDB, repo, 3)

	base := time.Now().UTC().Truncate(time.Second)
	activateDirectly(t, bunDB, repo, tokens[0], uuid.New(), base.Add(-1*time.Minute))
	activateDirectly(t, bunDB, repo, tokens[1], uuid.New(), base.Add(-3*time.Minute))
	activateDirectly(t, bunDB, repo, tokens[2], uuid.New(), base.Add(-2*time.Minute))

	tx, err := bunDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	oldest, err := repo.PickOldestActiveForUpdate(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	require.Equal(t, tokens[1].ID, oldest.ID)
}

func TestGetUserActiveToken(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	tokens := seedN(t, bunDB, repo, 2)

	userID := uuid.New()
	activateDirectly(t, bunDB, repo, tokens[0], userID, time.Now().UTC().Truncate(time.Second))

	got, err := repo.GetUserActiveToken(ctx, bunDB, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, tokens[0].ID, got.ID)

	none, err := repo.GetUserActiveToken(ctx, bunDB, uuid.New())
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestGetOpenUsageAndClose(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	tokens := seedN(t, bunDB, repo, 1)

	started := time.Now().UTC().Truncate(time.Second)
	activateDirectly(t, bunDB, repo, tokens[0], uuid.New(), started)

	usage, err := repo.GetOpenUsage(ctx, bunDB, tokens[0].ID)
	require.NoError(t, err)
	require.NotNil(t, usage)
	require.True(t, usage.StartedAt.Equal(started))

	endedAt := started.Add(30 * time.Second)
	require.NoError(t, repo.CloseUsage(ctx, bunDB, usage, endedAt))

	usage, err = repo.GetOpenUsage(ctx, bunDB, tokens[0].ID)
	require.NoError(t, err)
	require.Nil(t, usage)

	open, err := repo.CountOpenUsages(ctx, bunDB)
	require.NoError(t, err)
	require.Zero(t, open)
}

func TestGetTokenHistoryNewestFirst(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	tokens := seedN(t, bunDB, repo, 1)

	base := time.Now().UTC().Truncate(time.Second)
	older := &model.TokenUsage{
		TokenID:   tokens[0].ID,
		UserID:    uuid.New(),
		StartedAt: base.Add(-10 * time.Minute),
		EndedAt:   null.TimeFrom(base.Add(-8 * time.Minute)),
	}
	require.NoError(t, repo.InsertUsage(ctx, bunDB, older))
	activateDirectly(t, bunDB, repo, tokens[0], uuid.New(), base)

	history, err := repo.GetTokenHistory(ctx, bunDB, tokens[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].IsOpen(), "open usage included, newest first")
	require.True(t, history[0].StartedAt.After(history[1].StartedAt))
}

func TestGetTokenNotFound(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	_, err := repo.GetToken(context.Background(), bunDB, uuid.New())
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestClearAllActive(t *testing.T) {
	bunDB, repo := setupRepoTest(t)
	ctx := context.Background()
	tokens := seedN(t, bunDB, repo, 5)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		activateDirectly(t, bunDB, repo, tokens[i], uuid.New(), base)
	}

	var cleared []uuid.UUID
	var usagesClosed int
	err := bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		cleared, usagesClosed, err = repo.ClearAllActive(ctx, tx, time.Now().UTC().Truncate(time.Second))
		return err
	})
	require.NoError(t, err)
	require.Len(t, cleared, 3)
	require.Equal(t, 3, usagesClosed)

	active, err := repo.CountActive(ctx, bunDB)
	require.NoError(t, err)
	require.Zero(t, active)

	// All closed usages share one timestamp.
	var endings []time.Time
	err = bunDB.NewSelect().Model((*model.TokenUsage)(nil)).
		Column("ended_at").Scan(ctx, &endings)
	require.NoError(t, err)
	require.Len(t, endings, 3)
	require.True(t, endings[0].Equal(endings[1]))
	require.True(t, endings[1].Equal(endings[2]))
}
