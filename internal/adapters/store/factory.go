// Package store provides the storage and lock manager: a SQL implementation
// for postgres, mysql and sqlite, and an in-memory one with the same locking
// semantics.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config configures store creation.
type Config struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout bounds how long sqlite waits for the writer lock.
	BusyTimeout time.Duration

	// Migrate applies pending migrations on open.
	Migrate bool
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (core.Store, error) {
	if strings.EqualFold(cfg.Driver, DriverMemory) {
		return NewMemoryStore(), nil
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, core.ErrValidation(core.CodeMissingDSN, fmt.Sprintf("store driver %s needs a dsn", cfg.Driver))
	}
	s, err := OpenSQL(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Closeable is implemented by stores holding resources.
type Closeable interface {
	Close() error
}

// CloseStore closes s if it holds resources.
func CloseStore(s core.Store) error {
	if c, ok := s.(Closeable); ok {
		return c.Close()
	}
	return nil
}
