package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// StoreConfig configures the workflow database.
type StoreConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"`
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	BusyTimeout     string `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	Migrate         bool   `mapstructure:"migrate" yaml:"migrate"`
}

// ExecutorConfig configures attempts.
type ExecutorConfig struct {
	DefaultTimeout string `mapstructure:"default_timeout" yaml:"default_timeout"`
	TimeoutGrace   string `mapstructure:"timeout_grace" yaml:"timeout_grace"`
	ErrorSuccessor string `mapstructure:"error_successor" yaml:"error_successor"`
}

// DeliveryConfig configures the queue, workers and retry policy.
type DeliveryConfig struct {
	Topic       string  `mapstructure:"topic" yaml:"topic"`
	Concurrency int     `mapstructure:"concurrency" yaml:"concurrency"`
	Buffer      int     `mapstructure:"buffer" yaml:"buffer"`
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst   float64 `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxRetries  int     `mapstructure:"max_retries" yaml:"max_retries"`

	TransientBackoff BackoffConfig `mapstructure:"transient_backoff" yaml:"transient_backoff"`
	BusyBackoff      BackoffConfig `mapstructure:"busy_backoff" yaml:"busy_backoff"`
	SoftBackoff      BackoffConfig `mapstructure:"soft_backoff" yaml:"soft_backoff"`

	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	StaleAfter    string `mapstructure:"stale_after" yaml:"stale_after"`
	SweepBatch    int    `mapstructure:"sweep_batch" yaml:"sweep_batch"`
}

// BackoffConfig selects a delay strategy for one retry class.
type BackoffConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
	Initial  string `mapstructure:"initial" yaml:"initial"`
	Max      string `mapstructure:"max" yaml:"max"`
}

// APIConfig configures the HTTP API served by the worker.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// Duration parses a configured duration. Empty means zero.
func Duration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	return d, nil
}

// MustDuration is Duration for values already checked by the Validator.
func MustDuration(value string) time.Duration {
	d, err := Duration("", value)
	if err != nil {
		return 0
	}
	return d
}
