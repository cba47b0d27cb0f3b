package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// sqlTx holds one attempt's row locks until Commit or Rollback.
type sqlTx struct {
	tx      *sqlx.Tx
	dialect Dialect
	done    bool
}

func (t *sqlTx) LockPendingTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	var row taskRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND completed_at IS NULL`+t.dialect.LockClause()),
		string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrState(core.CodeTaskNotPending, fmt.Sprintf("task %s is not pending", id))
	}
	if err != nil {
		return nil, fmt.Errorf("locking task: %w", t.dialect.Classify(err))
	}
	return row.toDomain(), nil
}

func (t *sqlTx) LockWorkflowNoWait(ctx context.Context, workflowType string, id core.WorkflowID) (*core.Workflow, error) {
	var row workflowRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND type = ?`+t.dialect.NoWaitClause()),
		string(id), workflowType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflowNotFound(id)
	}
	if err != nil {
		classified := t.dialect.Classify(err)
		if core.IsCategory(classified, core.ErrCatBusy) {
			return nil, core.ErrWorkflowBusy(id).WithCause(err)
		}
		return nil, fmt.Errorf("locking workflow: %w", classified)
	}
	return row.toDomain()
}

func (t *sqlTx) SaveWorkflow(ctx context.Context, wf *core.Workflow) error {
	row, err := workflowToRow(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow data: %w", err)
	}
	if _, err := t.tx.NamedExecContext(ctx, `UPDATE workflows
		SET data = :data, error_message = :error_message, updated_at = :updated_at
		WHERE id = :id`, row); err != nil {
		return fmt.Errorf("saving workflow: %w", t.dialect.Classify(err))
	}
	return nil
}

func (t *sqlTx) CreateTask(ctx context.Context, task *core.Task) error {
	if err := insertTask(ctx, t.tx, task); err != nil {
		return fmt.Errorf("creating task: %w", t.dialect.Classify(err))
	}
	return nil
}

func (t *sqlTx) UpdateTask(ctx context.Context, task *core.Task) error {
	if _, err := t.tx.NamedExecContext(ctx, `UPDATE tasks
		SET status = :status, completed_at = :completed_at
		WHERE id = :id`, taskToRow(task)); err != nil {
		return fmt.Errorf("updating task: %w", t.dialect.Classify(err))
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if t.done {
		return core.ErrState(core.CodeInvalidState, "transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", t.dialect.Classify(err))
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back: %w", t.dialect.Classify(err))
	}
	return nil
}
