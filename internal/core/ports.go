package core

import (
	"context"
	"time"
)

// =============================================================================
// Storage Port
// =============================================================================

// Store persists workflows and tasks and hands out transactions.
type Store interface {
	// Begin opens a transaction for one attempt.
	Begin(ctx context.Context) (Tx, error)

	// StartWorkflow inserts a workflow and its initial task atomically.
	StartWorkflow(ctx context.Context, wf *Workflow, first *Task) error

	// GetWorkflow loads a workflow without locking it.
	GetWorkflow(ctx context.Context, id WorkflowID) (*Workflow, error)

	// GetTask loads a task without locking it.
	GetTask(ctx context.Context, id TaskID) (*Task, error)

	// ListTasks returns the tasks of a workflow ordered by creation.
	ListTasks(ctx context.Context, id WorkflowID) ([]*Task, error)

	// TouchTask records that a delivery of the task is due at due. Only a
	// later due time replaces the recorded one.
	TouchTask(ctx context.Context, id TaskID, due time.Time) error

	// StalePendingTasks returns pending tasks that have not been
	// dead-lettered and whose last delivery was due before the cutoff. Tasks
	// never touched fall back to their creation time.
	StalePendingTasks(ctx context.Context, before time.Time, limit int) ([]*Task, error)

	// RecordDeadLetter stores a delivery that exhausted its retries.
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error

	// ListDeadLetters returns dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// ClearDeadLetters removes dead letters for a task so it can be swept again.
	ClearDeadLetters(ctx context.Context, id TaskID) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Tx is one attempt's unit of work. Locks are released on Commit or Rollback.
// Rollback after Commit is a no-op.
type Tx interface {
	// LockPendingTask locks the task row if it is still pending. Returns
	// ErrNoPendingTask when the task is finished or missing.
	LockPendingTask(ctx context.Context, id TaskID) (*Task, error)

	// LockWorkflowNoWait locks the workflow row without waiting. Returns a
	// busy error when another transaction holds it.
	LockWorkflowNoWait(ctx context.Context, workflowType string, id WorkflowID) (*Workflow, error)

	SaveWorkflow(ctx context.Context, wf *Workflow) error
	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error

	Commit() error
	Rollback() error
}

// =============================================================================
// Delivery Port
// =============================================================================

// Scheduler enqueues task deliveries, optionally delayed.
type Scheduler interface {
	Schedule(ctx context.Context, d Delivery) error
}
