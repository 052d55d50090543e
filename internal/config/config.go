// Package config hosts the service configuration, populated from defaults,
// an optional YAML config file, environment variables and command line
// flags.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/tokenlease/tokend/pkg/logger"
)

const (
	defaultPort          = 8080
	defaultLeaseSeconds  = 120
	defaultReconcileSecs = 300
)

// DefaultDBConfig returns the default configuration of the database.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		Host:       "localhost",
		Port:       "5432",
		Name:       "tokend",
		SSLMode:    "disable",
		Migrations: "file://static/migrations",
	}
}

// DBConfig hosts configuration fields of the database.
type DBConfig struct {
	// URL, when set, wins over the discrete fields.
	URL        string `json:"url"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Host       string `json:"host"`
	Port       string `json:"port"`
	Name       string `json:"name"`
	SSLMode    string `json:"ssl_mode"`
	Migrations string `json:"migrations"`
}

// ConnectionString returns the Postgres URL for this configuration.
func (c *DBConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// PoolConfig hosts configuration fields of the token pool.
type PoolConfig struct {
	// LeaseSeconds is how long an activation holds a token.
	LeaseSeconds int `json:"lease_seconds"`
}

// QueueConfig hosts configuration fields of the delayed-release queue.
type QueueConfig struct {
	Workers      int `json:"workers"`
	PollSeconds  int `json:"poll_seconds"`
	BatchSize    int `json:"batch_size"`
	MaxAttempts  int `json:"max_attempts"`
	RetrySeconds int `json:"retry_seconds"`
}

// CacheConfig hosts configuration fields of the state cache.
type CacheConfig struct {
	// ReconcileSeconds is the periodic reload interval.
	ReconcileSeconds int `json:"reconcile_seconds"`
}

// Config is the full service configuration.
type Config struct {
	ConfigFile string        `json:"config_file"`
	Log        logger.Config `json:"log"`
	DB         DBConfig      `json:"db"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	SecretKey  string        `json:"secret_key"`
	Pool       PoolConfig    `json:"pool"`
	Queue      QueueConfig   `json:"queue"`
	Cache      CacheConfig   `json:"cache"`
}

// DefaultConfig returns the default configuration of the service.
func DefaultConfig() *Config {
	return &Config{
		Log:  *logger.DefaultConfig(),
		DB:   *DefaultDBConfig(),
		Host: "",
		Port: defaultPort,
		Pool: PoolConfig{LeaseSeconds: defaultLeaseSeconds},
		Queue: QueueConfig{
			Workers:     2,
			PollSeconds: 1,
			BatchSize:   10,
			MaxAttempts: 3,
		},
		Cache: CacheConfig{ReconcileSeconds: defaultReconcileSecs},
	}
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port: %d", c.Port)
	}
	if c.Pool.LeaseSeconds <= 0 {
		return errors.Errorf("invalid lease duration: %ds", c.Pool.LeaseSeconds)
	}
	if c.DB.URL == "" && (c.DB.Host == "" || c.DB.Name == "") {
		return errors.New("database host and name (or a database url) must be set")
	}
	return nil
}

// Printable returns the configuration as YAML with secrets redacted.
func (c Config) Printable() ([]byte, error) {
	const hidden = "********"
	if c.SecretKey != "" {
		c.SecretKey = hidden
	}
	if c.DB.Password != "" {
		c.DB.Password = hidden
	}
	if c.DB.URL != "" {
		c.DB.URL = hidden
	}

	optJSON, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	optYAML, err := yaml.JSONToYAML(optJSON)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to YAML")
	}
	return optYAML, nil
}
