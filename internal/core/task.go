package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task.
type TaskID string

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one scheduled unit of work bound to a single node of a workflow.
// CompletedAt is nil while the task is pending and set by both terminal
// transitions, so "completed_at IS NULL" selects exactly the unfinished tasks.
type Task struct {
	ID           TaskID
	WorkflowID   WorkflowID
	WorkflowType string
	Node         string
	Status       TaskStatus
	ParentID     TaskID
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// NewTask creates a pending task for node on the given workflow.
func NewTask(wf *Workflow, node string) *Task {
	return &Task{
		ID:           TaskID(uuid.NewString()),
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		Node:         node,
		Status:       TaskStatusPending,
		CreatedAt:    Now(),
	}
}

// Successor creates a pending task for node on the same workflow, linked to t.
func (t *Task) Successor(node string) *Task {
	return &Task{
		ID:           TaskID(uuid.NewString()),
		WorkflowID:   t.WorkflowID,
		WorkflowType: t.WorkflowType,
		Node:         node,
		Status:       TaskStatusPending,
		ParentID:     t.ID,
		CreatedAt:    Now(),
	}
}

// Finish transitions the task to completed.
func (t *Task) Finish() error {
	if t.Status != TaskStatusPending {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot complete task in %s state", t.Status))
	}
	now := Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	return nil
}

// Fail transitions the task to failed.
func (t *Task) Fail() error {
	if t.Status != TaskStatusPending {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot fail task in %s state", t.Status))
	}
	now := Now()
	t.Status = TaskStatusFailed
	t.CompletedAt = &now
	return nil
}

// IsPending returns true while the task has not reached a terminal state.
func (t *Task) IsPending() bool {
	return t.Status == TaskStatusPending && t.CompletedAt == nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Clone returns a copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation(CodeMissingID, "task ID cannot be empty")
	}
	if t.WorkflowID == "" || t.WorkflowType == "" {
		return ErrValidation(CodeMissingType, "task must reference a workflow by type and ID")
	}
	if t.Node == "" {
		return ErrValidation(CodeMissingNode, "task node cannot be empty")
	}
	return nil
}

// String renders the task the way attempt logs refer to it.
func (t *Task) String() string {
	return fmt.Sprintf("task %s (%s.%s)", t.ID, t.WorkflowType, t.Node)
}

// Now returns the current UTC time truncated to the precision every
// supported database keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
