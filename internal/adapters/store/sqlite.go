package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteDialect has no row locks. Every transaction begins IMMEDIATE, so the
// database writer lock serialises attempts; contention shows up as SQLITE_BUSY
// after busy_timeout and is retried like any other transient error.
type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return DriverSQLite }
func (sqliteDialect) DriverName() string { return "sqlite" }

// PrepareDSN accepts a bare path and adds the pragmas the store relies on.
func (sqliteDialect) PrepareDSN(cfg Config) (string, error) {
	dsn := strings.TrimPrefix(cfg.DSN, "file:")
	path, query, _ := strings.Cut(dsn, "?")
	if path == "" {
		return "", fmt.Errorf("sqlite dsn needs a database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", fmt.Errorf("creating database directory: %w", err)
		}
	}

	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
		"_time_format=sqlite",
	}
	if query != "" {
		params = append(params, query)
	}
	return "file:" + path + "?" + strings.Join(params, "&"), nil
}

func (sqliteDialect) LockClause() string   { return "" }
func (sqliteDialect) NoWaitClause() string { return "" }

func (sqliteDialect) TouchTaskQuery() string {
	return `INSERT INTO task_deliveries (task_id, due_at) VALUES (?, ?)
		ON CONFLICT (task_id) DO UPDATE SET due_at = MAX(task_deliveries.due_at, excluded.due_at)`
}

func (sqliteDialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	if classified, ok := classifyCommon(err); ok {
		return classified
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY:
			return transient("database is busy", err)
		case sqlite3.SQLITE_LOCKED:
			return transient("database table is locked", err)
		}
		return err
	}
	if strings.Contains(err.Error(), "database is locked") {
		return transient("database is locked", err)
	}
	return err
}
