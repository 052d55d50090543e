package db

import (
	"database/sql"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
)

// ErrNotFound is returned if nothing is found.
var ErrNotFound = errors.New("not found")

// MatchSentinelError checks if the error belongs to specific categories and
// returns the corresponding sentinel, so that callers can compare with
// errors.Is rather than inspecting driver errors.
func MatchSentinelError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsUniqueViolation reports whether the error is a Postgres unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
