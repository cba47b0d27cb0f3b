package store

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers.
const (
	myLockNowait      = 3572 // ER_LOCK_NOWAIT
	myLockDeadlock    = 1213 // ER_LOCK_DEADLOCK
	myLockWaitTimeout = 1205 // ER_LOCK_WAIT_TIMEOUT
	myServerGone      = 2006
	myServerLostQuery = 2013
)

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return DriverMySQL }
func (mysqlDialect) DriverName() string { return "mysql" }

// PrepareDSN forces parseTime so DATETIME columns scan into time.Time.
func (mysqlDialect) PrepareDSN(cfg Config) (string, error) {
	parsed, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	return parsed.FormatDSN(), nil
}

func (mysqlDialect) LockClause() string   { return " FOR UPDATE" }
func (mysqlDialect) NoWaitClause() string { return " FOR UPDATE NOWAIT" }

func (mysqlDialect) TouchTaskQuery() string {
	return `INSERT INTO task_deliveries (task_id, due_at) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE due_at = GREATEST(due_at, VALUES(due_at))`
}

func (mysqlDialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	if classified, ok := classifyCommon(err); ok {
		return classified
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return transient("invalid connection", err)
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case myLockNowait:
		return busy(err)
	case myLockDeadlock:
		return transient("deadlock found", err)
	case myLockWaitTimeout:
		return transient("lock wait timeout", err)
	case myServerGone, myServerLostQuery:
		return transient("server connection lost", err)
	}
	return err
}
