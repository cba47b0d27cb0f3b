package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// Dialect captures what differs between the supported databases.
type Dialect interface {
	// Name is the configured driver name.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// PrepareDSN normalises the configured DSN.
	PrepareDSN(cfg Config) (string, error)
	// LockClause is appended to a SELECT to lock the row until commit.
	LockClause() string
	// NoWaitClause is appended to a SELECT to lock the row or fail immediately.
	NoWaitClause() string
	// TouchTaskQuery upserts (task_id, due_at) into task_deliveries, keeping
	// the later due time.
	TouchTaskQuery() string
	// Classify maps driver errors onto the domain taxonomy. Unknown errors
	// are returned unchanged.
	Classify(err error) error
}

func dialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case DriverPostgres, "postgresql":
		return postgresDialect{}, nil
	case DriverMySQL:
		return mysqlDialect{}, nil
	case DriverSQLite, "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, core.ErrValidation("UNKNOWN_DRIVER", fmt.Sprintf("unsupported store driver %q", name))
	}
}

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// classifyCommon handles errors every driver can surface.
func classifyCommon(err error) (error, bool) {
	if errors.Is(err, driver.ErrBadConn) {
		return core.ErrTransient(core.CodeStorageTransient, "connection lost").WithCause(err), true
	}
	return err, false
}

func busy(err error) error {
	return (&core.DomainError{
		Category:  core.ErrCatBusy,
		Code:      core.CodeWorkflowBusy,
		Message:   "workflow row is locked",
		Retryable: true,
	}).WithCause(err)
}

func transient(message string, err error) error {
	return core.ErrTransient(core.CodeStorageTransient, message).WithCause(err)
}
