package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Pool.LeaseSeconds = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Log.Level = "shouting"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DB.Host = ""
	require.Error(t, cfg.Validate())

	// A full URL substitutes for the discrete fields.
	cfg.DB.URL = "postgres://user:pass@db:5432/tokend"
	require.NoError(t, cfg.Validate())
}

func TestConnectionString(t *testing.T) {
	c := DBConfig{
		User: "tokend", Password: "s3cret/", Host: "db", Port: "5433",
		Name: "pool", SSLMode: "disable",
	}
	require.Equal(t,
		"postgres://tokend:s3cret%2F@db:5433/pool?sslmode=disable",
		c.ConnectionString())

	c.URL = "postgres://elsewhere/other"
	require.Equal(t, "postgres://elsewhere/other", c.ConnectionString())
}

func TestPrintableRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecretKey = "hunter2"
	cfg.DB.Password = "hunter2"
	cfg.DB.URL = "postgres://u:hunter2@db/x"

	out, err := cfg.Printable()
	require.NoError(t, err)
	require.False(t, strings.Contains(string(out), "hunter2"))
	require.Contains(t, string(out), "********")
}
