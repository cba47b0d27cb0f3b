package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowID uniquely identifies a workflow instance.
type WorkflowID string

// WorkflowState is derived from a workflow's tasks; it is never stored.
type WorkflowState string

const (
	WorkflowStateActive   WorkflowState = "active"
	WorkflowStateStuck    WorkflowState = "stuck"
	WorkflowStateFinished WorkflowState = "finished"
)

// Workflow is one run of a process graph. Data holds the process state that
// node logic reads and mutates.
type Workflow struct {
	ID        WorkflowID
	Type      string
	Data      map[string]any
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWorkflow creates a workflow of the given graph type.
func NewWorkflow(workflowType string, data map[string]any) *Workflow {
	if data == nil {
		data = make(map[string]any)
	}
	now := Now()
	return &Workflow{
		ID:        WorkflowID(uuid.NewString()),
		Type:      workflowType,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Get returns a value from the workflow data.
func (w *Workflow) Get(key string) (any, bool) {
	v, ok := w.Data[key]
	return v, ok
}

// Set stores a value in the workflow data.
func (w *Workflow) Set(key string, value any) {
	if w.Data == nil {
		w.Data = make(map[string]any)
	}
	w.Data[key] = value
}

// SetError records a diagnostic message on the workflow.
func (w *Workflow) SetError(msg string) {
	w.Error = msg
	w.UpdatedAt = Now()
}

// Touch bumps UpdatedAt.
func (w *Workflow) Touch() {
	w.UpdatedAt = Now()
}

// Clone returns a deep copy. Node logic runs against a clone so an abandoned
// attempt cannot mutate the locked instance.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Data = cloneMap(w.Data)
	return &c
}

// Validate checks workflow invariants.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrValidation(CodeMissingID, "workflow ID cannot be empty")
	}
	if w.Type == "" {
		return ErrValidation(CodeMissingType, "workflow type cannot be empty")
	}
	return nil
}

// MarshalData encodes Data for storage.
func (w *Workflow) MarshalData() ([]byte, error) {
	if w.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(w.Data)
}

// UnmarshalData decodes stored Data.
func (w *Workflow) UnmarshalData(raw []byte) error {
	w.Data = make(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &w.Data)
}

// StateOf derives the workflow state from its tasks. A workflow is active
// while any task is pending, stuck when nothing is pending and a failed task
// exists, and finished otherwise.
func StateOf(tasks []*Task) WorkflowState {
	failed := false
	for _, t := range tasks {
		if t.IsPending() {
			return WorkflowStateActive
		}
		if t.Status == TaskStatusFailed {
			failed = true
		}
	}
	if failed {
		return WorkflowStateStuck
	}
	return WorkflowStateFinished
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
