package main

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/tokenlease/tokend/internal/config"
	"github.com/tokenlease/tokend/version"
)

var v *viper.Viper

//nolint:gochecknoinit
func init() {
	rootCmd.Version = version.Version
	registerConfig()
}

// registerConfig sets up viper with defaults, environment bindings
// (TOKEND_*) and command line flags. Precedence: flags, then environment,
// then config file, then defaults.
func registerConfig() {
	v = viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetEnvPrefix("TOKEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := config.DefaultConfig()
	v.SetDefault("config_file", "")
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("secret_key", "")
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.color", defaults.Log.Color)
	v.SetDefault("db.url", "")
	v.SetDefault("db.user", defaults.DB.User)
	v.SetDefault("db.password", defaults.DB.Password)
	v.SetDefault("db.host", defaults.DB.Host)
	v.SetDefault("db.port", defaults.DB.Port)
	v.SetDefault("db.name", defaults.DB.Name)
	v.SetDefault("db.ssl_mode", defaults.DB.SSLMode)
	v.SetDefault("db.migrations", defaults.DB.Migrations)
	v.SetDefault("pool.lease_seconds", defaults.Pool.LeaseSeconds)
	v.SetDefault("queue.workers", defaults.Queue.Workers)
	v.SetDefault("queue.poll_seconds", defaults.Queue.PollSeconds)
	v.SetDefault("queue.batch_size", defaults.Queue.BatchSize)
	v.SetDefault("queue.max_attempts", defaults.Queue.MaxAttempts)
	v.SetDefault("queue.retry_seconds", defaults.Queue.RetrySeconds)
	v.SetDefault("cache.reconcile_seconds", defaults.Cache.ReconcileSeconds)

	flags := rootCmd.Flags()
	flags.StringP("config-file", "c", "", "path to the configuration file")
	flags.String("host", defaults.Host, "host to listen on")
	flags.IntP("port", "p", defaults.Port, "port to listen on")
	flags.String("log-level", defaults.Log.Level, "log level (trace, debug, info, warn, error)")
	flags.String("db-url", "", "database connection url")

	_ = v.BindPFlag("config_file", flags.Lookup("config-file"))
	_ = v.BindPFlag("host", flags.Lookup("host"))
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("db.url", flags.Lookup("db-url"))
}
