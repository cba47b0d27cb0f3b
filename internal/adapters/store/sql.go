package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// SQLStore implements core.Store on database/sql through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *logging.Logger
}

// OpenSQL connects to the configured database and applies migrations when
// cfg.Migrate is set.
func OpenSQL(ctx context.Context, cfg Config, logger *logging.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	dialect, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn, err := dialect.PrepareDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{db: db, dialect: dialect, logger: logger.With("store", dialect.Name())}
	s.logger.Debug("opening store", "dsn", logger.Sanitize(cfg.DSN))

	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.Migrate {
		if _, err := s.Migrate(ctx); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", s.dialect.Classify(err))
	}
	return nil
}

// Begin opens a transaction for one attempt.
func (s *SQLStore) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", s.dialect.Classify(err))
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// StartWorkflow inserts a workflow and its first task in one transaction.
func (s *SQLStore) StartWorkflow(ctx context.Context, wf *core.Workflow, first *core.Task) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if err := first.Validate(); err != nil {
		return err
	}
	row, err := workflowToRow(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow data: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", s.dialect.Classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (:id, :type, :data, :error_message, :created_at, :updated_at)`, row); err != nil {
		return fmt.Errorf("inserting workflow: %w", s.dialect.Classify(err))
	}
	if err := insertTask(ctx, tx, first); err != nil {
		return fmt.Errorf("inserting task: %w", s.dialect.Classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", s.dialect.Classify(err))
	}
	return nil
}

// GetWorkflow loads a workflow without locking it.
func (s *SQLStore) GetWorkflow(ctx context.Context, id core.WorkflowID) (*core.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", s.dialect.Classify(err))
	}
	return row.toDomain()
}

// GetTask loads a task without locking it.
func (s *SQLStore) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", s.dialect.Classify(err))
	}
	return row.toDomain(), nil
}

// ListTasks returns a workflow's tasks in creation order.
func (s *SQLStore) ListTasks(ctx context.Context, id core.WorkflowID) ([]*core.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY created_at, id`),
		string(id)); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", s.dialect.Classify(err))
	}
	return tasksToDomain(rows), nil
}

// TouchTask records the due time of the latest delivery of a task.
func (s *SQLStore) TouchTask(ctx context.Context, id core.TaskID, due time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(s.dialect.TouchTaskQuery()), string(id), due.UTC()); err != nil {
		return fmt.Errorf("touching task: %w", s.dialect.Classify(err))
	}
	return nil
}

// StalePendingTasks returns pending tasks whose last delivery was due before
// the cutoff and that have not been dead-lettered.
func (s *SQLStore) StalePendingTasks(ctx context.Context, before time.Time, limit int) ([]*core.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+taskColumns+` FROM tasks t
		LEFT JOIN task_deliveries l ON l.task_id = t.id
		WHERE t.completed_at IS NULL AND COALESCE(l.due_at, t.created_at) < ?
		  AND NOT EXISTS (SELECT 1 FROM dead_letters d WHERE d.task_id = t.id)
		ORDER BY t.created_at
		LIMIT ?`), before.UTC(), limit); err != nil {
		return nil, fmt.Errorf("listing stale tasks: %w", s.dialect.Classify(err))
	}
	return tasksToDomain(rows), nil
}

// RecordDeadLetter stores a delivery that exhausted its retries.
func (s *SQLStore) RecordDeadLetter(ctx context.Context, dl *core.DeadLetter) error {
	row := deadLetterRow{
		ID:         dl.ID,
		TaskID:     string(dl.TaskID),
		WorkflowID: string(dl.WorkflowID),
		Retries:    dl.Retries,
		Reason:     dl.Reason,
		CreatedAt:  dl.CreatedAt.UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx,
		`INSERT INTO dead_letters (`+deadLetterColumns+`)
		 VALUES (:id, :task_id, :workflow_id, :retries, :reason, :created_at)`, row); err != nil {
		return fmt.Errorf("recording dead letter: %w", s.dialect.Classify(err))
	}
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetter, error) {
	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC, id LIMIT ?`),
		limit); err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", s.dialect.Classify(err))
	}
	out := make([]*core.DeadLetter, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ClearDeadLetters removes dead letters for a task.
func (s *SQLStore) ClearDeadLetters(ctx context.Context, id core.TaskID) error {
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM dead_letters WHERE task_id = ?`), string(id)); err != nil {
		return fmt.Errorf("clearing dead letters: %w", s.dialect.Classify(err))
	}
	return nil
}

func insertTask(ctx context.Context, ext sqlx.ExtContext, t *core.Task) error {
	_, err := sqlx.NamedExecContext(ctx, ext,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (:id, :workflow_id, :workflow_type, :node, :status, :parent_id, :created_at, :completed_at)`,
		taskToRow(t))
	return err
}

func tasksToDomain(rows []taskRow) []*core.Task {
	out := make([]*core.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func workflowNotFound(id core.WorkflowID) error {
	err := core.ErrNotFound("workflow", string(id))
	err.Code = core.CodeWorkflowNotFound
	return err
}

func taskNotFound(id core.TaskID) error {
	err := core.ErrNotFound("task", string(id))
	err.Code = core.CodeTaskNotFound
	return err
}
