package config

import (
	"errors"
	"strings"
	"testing"
)

// validConfig returns a valid configuration for testing.
func validConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "stepwise.db",
			MaxOpenConns:    10,
			ConnMaxLifetime: "30m",
			BusyTimeout:     "5s",
		},
		Executor: ExecutorConfig{
			DefaultTimeout: "10m",
			TimeoutGrace:   "5s",
			ErrorSuccessor: "call_error",
		},
		Delivery: DeliveryConfig{
			Topic:            "stepwise.tasks",
			Concurrency:      4,
			MaxRetries:       20,
			TransientBackoff: BackoffConfig{Strategy: "jitter", Initial: "1s", Max: "1m"},
			BusyBackoff:      BackoffConfig{Strategy: "linear", Initial: "100ms", Max: "5s"},
			SoftBackoff:      BackoffConfig{Strategy: "constant", Initial: "5s"},
			SweepSchedule:    "@every 1m",
			StaleAfter:       "5m",
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
	}
}

func TestValidator_ValidConfig(t *testing.T) {
	t.Parallel()
	if err := ValidateConfig(validConfig()); err != nil {
		t.Errorf("ValidateConfig() error = %v", err)
	}
}

func TestValidator_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }, "store.driver"},
		{"missing dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }, "store.dsn"},
		{"negative conns", func(c *Config) { c.Store.MaxOpenConns = -1 }, "store.max_open_conns"},
		{"bad busy timeout", func(c *Config) { c.Store.BusyTimeout = "5 seconds" }, "store.busy_timeout"},
		{"bad default timeout", func(c *Config) { c.Executor.DefaultTimeout = "forever" }, "executor.default_timeout"},
		{"negative grace", func(c *Config) { c.Executor.TimeoutGrace = "-1s" }, "executor.timeout_grace"},
		{"empty error successor", func(c *Config) { c.Executor.ErrorSuccessor = " " }, "executor.error_successor"},
		{"empty topic", func(c *Config) { c.Delivery.Topic = "" }, "delivery.topic"},
		{"zero concurrency", func(c *Config) { c.Delivery.Concurrency = 0 }, "delivery.concurrency"},
		{"negative rate", func(c *Config) { c.Delivery.RateLimit = -2 }, "delivery.rate_limit"},
		{"retries too high", func(c *Config) { c.Delivery.MaxRetries = 5000 }, "delivery.max_retries"},
		{"unknown strategy", func(c *Config) { c.Delivery.BusyBackoff.Strategy = "fibonacci" }, "delivery.busy_backoff.strategy"},
		{"bad backoff max", func(c *Config) { c.Delivery.TransientBackoff.Max = "1 minute" }, "delivery.transient_backoff.max"},
		{"bad sweep schedule", func(c *Config) { c.Delivery.SweepSchedule = "sometimes" }, "delivery.sweep_schedule"},
		{"bad stale after", func(c *Config) { c.Delivery.StaleAfter = "old" }, "delivery.stale_after"},
		{"bad api addr", func(c *Config) { c.API.Addr = "8080" }, "api.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatal("ValidateConfig() = nil, want error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error type = %T, want ValidationErrors", err)
			}
			found := false
			for _, ve := range verrs {
				if ve.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, err)
			}
		})
	}
}

func TestValidator_MemoryNeedsNoDSN(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("ValidateConfig() error = %v", err)
	}
}

func TestValidator_DisabledAPISkipsAddr(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = false
	cfg.API.Addr = ""
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("ValidateConfig() error = %v", err)
	}
}

func TestValidator_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Log.Level = "loud"
	cfg.Delivery.Concurrency = -1

	v := NewValidator()
	err := v.Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if !v.Errors().HasErrors() || len(v.Errors()) != 2 {
		t.Errorf("Errors() = %v, want 2 errors", v.Errors())
	}
	if !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "delivery.concurrency") {
		t.Errorf("Error() = %q", err.Error())
	}
}
