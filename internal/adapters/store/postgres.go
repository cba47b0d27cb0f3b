package store

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pgLockNotAvailable     pq.ErrorCode = "55P03"
	pgSerializationFailure pq.ErrorCode = "40001"
	pgDeadlockDetected     pq.ErrorCode = "40P01"
	pgConnectionException  pq.ErrorClass = "08"
)

type postgresDialect struct{}

func (postgresDialect) Name() string       { return DriverPostgres }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) PrepareDSN(cfg Config) (string, error) {
	return cfg.DSN, nil
}

func (postgresDialect) LockClause() string   { return " FOR UPDATE" }
func (postgresDialect) NoWaitClause() string { return " FOR UPDATE NOWAIT" }

func (postgresDialect) TouchTaskQuery() string {
	return `INSERT INTO task_deliveries (task_id, due_at) VALUES (?, ?)
		ON CONFLICT (task_id) DO UPDATE SET due_at = GREATEST(task_deliveries.due_at, EXCLUDED.due_at)`
}

func (postgresDialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	if classified, ok := classifyCommon(err); ok {
		return classified
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == pgLockNotAvailable:
		return busy(err)
	case pqErr.Code == pgSerializationFailure:
		return transient("serialization failure", err)
	case pqErr.Code == pgDeadlockDetected:
		return transient("deadlock detected", err)
	case pqErr.Code.Class() == pgConnectionException:
		return transient("connection exception", err)
	}
	return err
}
