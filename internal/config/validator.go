package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/hugo-lorenzo-mato/stepwise/internal/backoff"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStore(&cfg.Store)
	v.validateExecutor(&cfg.Executor)
	v.validateDelivery(&cfg.Delivery)
	v.validateAPI(&cfg.API)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	validDrivers := map[string]bool{
		"postgres": true, "mysql": true, "sqlite": true, "memory": true,
	}
	if !validDrivers[cfg.Driver] {
		v.addError("store.driver", cfg.Driver, "must be one of: postgres, mysql, sqlite, memory")
	}
	if cfg.Driver != "memory" && cfg.DSN == "" {
		v.addError("store.dsn", cfg.DSN, "required for "+cfg.Driver)
	}
	if cfg.MaxOpenConns < 0 {
		v.addError("store.max_open_conns", cfg.MaxOpenConns, "must be non-negative")
	}
	if cfg.MaxIdleConns < 0 {
		v.addError("store.max_idle_conns", cfg.MaxIdleConns, "must be non-negative")
	}
	v.validateDuration("store.conn_max_lifetime", cfg.ConnMaxLifetime)
	v.validateDuration("store.busy_timeout", cfg.BusyTimeout)
}

func (v *Validator) validateExecutor(cfg *ExecutorConfig) {
	v.validateDuration("executor.default_timeout", cfg.DefaultTimeout)
	v.validateDuration("executor.timeout_grace", cfg.TimeoutGrace)
	if strings.TrimSpace(cfg.ErrorSuccessor) == "" {
		v.addError("executor.error_successor", cfg.ErrorSuccessor, "node name required")
	}
}

func (v *Validator) validateDelivery(cfg *DeliveryConfig) {
	if cfg.Topic == "" {
		v.addError("delivery.topic", cfg.Topic, "topic required")
	}
	if cfg.Concurrency < 1 {
		v.addError("delivery.concurrency", cfg.Concurrency, "must be at least 1")
	}
	if cfg.Buffer < 0 {
		v.addError("delivery.buffer", cfg.Buffer, "must be non-negative")
	}
	if cfg.RateLimit < 0 {
		v.addError("delivery.rate_limit", cfg.RateLimit, "must be non-negative")
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 1000 {
		v.addError("delivery.max_retries", cfg.MaxRetries, "must be between 0 and 1000")
	}

	v.validateBackoff("delivery.transient_backoff", &cfg.TransientBackoff)
	v.validateBackoff("delivery.busy_backoff", &cfg.BusyBackoff)
	v.validateBackoff("delivery.soft_backoff", &cfg.SoftBackoff)

	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		v.addError("delivery.sweep_schedule", cfg.SweepSchedule, "invalid cron schedule")
	}
	v.validateDuration("delivery.stale_after", cfg.StaleAfter)
	if cfg.SweepBatch < 0 {
		v.addError("delivery.sweep_batch", cfg.SweepBatch, "must be non-negative")
	}
}

func (v *Validator) validateBackoff(prefix string, cfg *BackoffConfig) {
	if _, err := backoff.Parse(cfg.Strategy, 0, 0); err != nil {
		v.addError(prefix+".strategy", cfg.Strategy, "must be one of: constant, linear, exponential, jitter")
	}
	v.validateDuration(prefix+".initial", cfg.Initial)
	v.validateDuration(prefix+".max", cfg.Max)
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if !cfg.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("api.addr", cfg.Addr, "must be host:port")
	}
}

func (v *Validator) validateDuration(field, value string) {
	d, err := Duration(field, value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 {
		v.addError(field, value, "must be non-negative")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
