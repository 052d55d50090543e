package pool

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/pkg/model"
)

// Repository is the narrow query layer over the token tables. Methods take
// an explicit bun.IDB so that callers can run them inside or outside a
// transaction; the row-locking pickers only make sense inside one.
type Repository struct{}

// NewRepository returns a token repository.
func NewRepository() *Repository {
	return &Repository{}
}

// CountTotal returns the number of token rows.
func (r *Repository) CountTotal(ctx context.Context, idb bun.IDB) (int, error) {
	n, err := idb.NewSelect().Model((*model.Token)(nil)).Count(ctx)
	return n, errors.Wrap(err, "counting tokens")
}

// CountActive returns the number of active token rows.
func (r *Repository) CountActive(ctx context.Context, idb bun.IDB) (int, error) {
	n, err := idb.NewSelect().Model((*model.Token)(nil)).
		Where("status = ?", model.TokenStatusActive).
		Count(ctx)
	return n, errors.Wrap(err, "counting active tokens")
}

// CountOpenUsages returns the number of usages with no end time.
func (r *Repository) CountOpenUsages(ctx context.Context, idb bun.IDB) (int, error) {
	n, err := idb.NewSelect().Model((*model.TokenUsage)(nil)).
		Where("ended_at IS NULL").
		Count(ctx)
	return n, errors.Wrap(err, "counting open usages")
}

// ListTokens returns every token with its open usage, if any, loaded.
func (r *Repository) ListTokens(ctx context.Context, idb bun.IDB) ([]*model.Token, error) {
	var tokens []*model.Token
	err := idb.NewSelect().Model(&tokens).
		Relation("Usages", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("ended_at IS NULL")
		}).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing tokens")
	}
	return tokens, nil
}

// GetToken returns one token with all its usages, newest first.
func (r *Repository) GetToken(ctx context.Context, idb bun.IDB, id uuid.UUID) (*model.Token, error) {
	token := &model.Token{}
	err := idb.NewSelect().Model(token).
		Where("t.id = ?", id).
		Relation("Usages", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("started_at DESC")
		}).
		Scan(ctx)
	if err != nil {
		return nil, db.MatchSentinelError(err)
	}
	return token, nil
}

// GetTokenForUpdate returns one token row under a blocking row lock, without
// relations. It must run inside a transaction.
func (r *Repository) GetTokenForUpdate(ctx context.Context, tx bun.Tx, id uuid.UUID) (*model.Token, error) {
	token := &model.Token{}
	err := tx.NewSelect().Model(token).
		Where("t.id = ?", id).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, db.MatchSentinelError(err)
	}
	return token, nil
}

// GetTokenHistory returns all usages of a token, newest first, including the
// open one.
func (r *Repository) GetTokenHistory(
	ctx context.Context, idb bun.IDB, tokenID uuid.UUID,
) ([]*model.TokenUsage, error) {
	var usages []*model.TokenUsage
	err := idb.NewSelect().Model(&usages).
		Where("token_id = ?", tokenID).
		Order("started_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading token history")
	}
	return usages, nil
}

// GetUserActiveToken returns the token currently held by the user, or nil if
// the user holds none.
func (r *Repository) GetUserActiveToken(
	ctx context.Context, idb bun.IDB, userID uuid.UUID,
) (*model.Token, error) {
	token := &model.Token{}
	err := idb.NewSelect().Model(token).
		Where("status = ?", model.TokenStatusActive).
		Where("current_user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up user's active token")
	}
	return token, nil
}

// PickAvailableForUpdate selects one available token under a row lock with
// skip-locked semantics, so concurrent allocators distribute over distinct
// rows instead of blocking on or double-picking the same one. Returns nil
// when no unlocked available row exists.
func (r *Repository) PickAvailableForUpdate(ctx context.Context, tx bun.Tx) (*model.Token, error) {
	token := &model.Token{}
	err := tx.NewSelect().Model(token).
		Where("status = ?", model.TokenStatusAvailable).
		Order("id ASC").
		Limit(1).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "picking available token")
	}
	return token, nil
}

// PickOldestActiveForUpdate selects the longest-activated token under a
// blocking row lock. Preemption is deliberately serialized on the oldest
// row; no skip-locked here. Ties break on id for determinism.
func (r *Repository) PickOldestActiveForUpdate(ctx context.Context, tx bun.Tx) (*model.Token, error) {
	token := &model.Token{}
	err := tx.NewSelect().Model(token).
		Where("status = ?", model.TokenStatusActive).
		Order("activated_at ASC", "id ASC").
		Limit(1).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "picking oldest active token")
	}
	return token, nil
}

// UpdateToken writes the mutable columns of a token.
func (r *Repository) UpdateToken(ctx context.Context, idb bun.IDB, t *model.Token) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := idb.NewUpdate().Model(t).
		Column("status", "current_user_id", "activated_at", "updated_at").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "updating token")
}

// InsertUsage persists a new usage row.
func (r *Repository) InsertUsage(ctx context.Context, idb bun.IDB, u *model.TokenUsage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := idb.NewInsert().Model(u).Exec(ctx)
	return errors.Wrap(err, "inserting usage")
}

// CloseUsage sets the end time of a usage. Closed usages are immutable, so
// this is the only mutation usages ever see.
func (r *Repository) CloseUsage(
	ctx context.Context, idb bun.IDB, u *model.TokenUsage, endedAt time.Time,
) error {
	u.EndedAt.SetValid(endedAt)
	_, err := idb.NewUpdate().Model(u).
		Column("ended_at").
		WherePK().
		Exec(ctx)
	return errors.Wrap(err, "closing usage")
}

// GetOpenUsage returns the open usage of a token, or nil if none exists.
func (r *Repository) GetOpenUsage(
	ctx context.Context, idb bun.IDB, tokenID uuid.UUID,
) (*model.TokenUsage, error) {
	usage := &model.TokenUsage{}
	err := idb.NewSelect().Model(usage).
		Where("token_id = ?", tokenID).
		Where("ended_at IS NULL").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading open usage")
	}
	return usage, nil
}

// ClearAllActive resets every active token and closes every open usage at a
// single timestamp. It returns the ids of the tokens that were reset and the
// number of usages closed. Must run inside a transaction so both statements
// commit atomically.
func (r *Repository) ClearAllActive(
	ctx context.Context, tx bun.Tx, now time.Time,
) (clearedTokenIDs []uuid.UUID, usagesClosed int, err error) {
	res, err := tx.NewUpdate().Model((*model.TokenUsage)(nil)).
		Set("ended_at = ?", now).
		Where("ended_at IS NULL").
		Exec(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "closing open usages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, 0, errors.Wrap(err, "counting closed usages")
	}

	_, err = tx.NewUpdate().Model((*model.Token)(nil)).
		Set("status = ?", model.TokenStatusAvailable).
		Set("current_user_id = NULL").
		Set("activated_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", model.TokenStatusActive).
		Returning("id").
		Exec(ctx, &clearedTokenIDs)
	if err != nil {
		return nil, 0, errors.Wrap(err, "resetting active tokens")
	}
	return clearedTokenIDs, int(n), nil
}

// SeedTokens tops the pool up to size rows, inserting available tokens for
// the difference. It is idempotent across restarts.
func (r *Repository) SeedTokens(ctx context.Context, idb bun.IDB, size int) (int, error) {
	existing, err := r.CountTotal(ctx, idb)
	if err != nil {
		return 0, err
	}
	missing := size - existing
	if missing <= 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	tokens := make([]*model.Token, 0, missing)
	for i := 0; i < missing; i++ {
		tokens = append(tokens, &model.Token{
			ID:        uuid.New(),
			Status:    model.TokenStatusAvailable,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if _, err := idb.NewInsert().Model(&tokens).Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "seeding tokens")
	}
	return missing, nil
}
