//go:build integration
// +build integration

package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// MustResolveTestPostgres resolves a connection to a postgres database. To
// debug tests that use this (or otherwise run the tests outside of the
// Makefile), make sure to set TOKEND_INTEGRATION_POSTGRES_URL.
func MustResolveTestPostgres(t *testing.T) *bun.DB {
	url := os.Getenv("TOKEND_INTEGRATION_POSTGRES_URL")
	require.NotEmpty(t, url, "TOKEND_INTEGRATION_POSTGRES_URL must be set")

	bunDB, err := Connect(url)
	require.NoError(t, err, "failed to connect to postgres")
	return bunDB
}

// MustMigrateTestPostgres ensures the integration DB has migrations applied.
func MustMigrateTestPostgres(t *testing.T, migrationsPath string) {
	url := os.Getenv("TOKEND_INTEGRATION_POSTGRES_URL")
	require.NoError(t, Migrate(url, migrationsPath), "failed to migrate postgres")
}

// PostTestTeardown deletes the bun singleton, which we normally don't allow
// at all, but which is necessary during testing.
func PostTestTeardown() {
	theOneBunMutex.Lock()
	defer theOneBunMutex.Unlock()
	theOneBun = nil
}
