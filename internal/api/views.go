package api

import (
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// TaskView is the wire form of a task.
type TaskView struct {
	ID          core.TaskID     `json:"id" yaml:"id"`
	Node        string          `json:"node" yaml:"node"`
	Status      core.TaskStatus `json:"status" yaml:"status"`
	ParentID    core.TaskID     `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// WorkflowView is the wire form of a workflow and its tasks.
type WorkflowView struct {
	ID        core.WorkflowID    `json:"id" yaml:"id"`
	Type      string             `json:"type" yaml:"type"`
	State     core.WorkflowState `json:"state" yaml:"state"`
	Data      map[string]any     `json:"data" yaml:"data"`
	Error     string             `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" yaml:"updated_at"`
	Tasks     []TaskView         `json:"tasks" yaml:"tasks"`
}

// DeadLetterView is the wire form of a dead letter.
type DeadLetterView struct {
	ID         string          `json:"id" yaml:"id"`
	TaskID     core.TaskID     `json:"task_id" yaml:"task_id"`
	WorkflowID core.WorkflowID `json:"workflow_id" yaml:"workflow_id"`
	Retries    int             `json:"retries" yaml:"retries"`
	Reason     string          `json:"reason" yaml:"reason"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

// NewTaskView converts a task.
func NewTaskView(t *core.Task) TaskView {
	return TaskView{
		ID:          t.ID,
		Node:        t.Node,
		Status:      t.Status,
		ParentID:    t.ParentID,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// NewWorkflowView converts a workflow and its tasks.
func NewWorkflowView(wf *core.Workflow, tasks []*core.Task) WorkflowView {
	v := WorkflowView{
		ID:        wf.ID,
		Type:      wf.Type,
		State:     core.StateOf(tasks),
		Data:      wf.Data,
		Error:     wf.Error,
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
		Tasks:     make([]TaskView, 0, len(tasks)),
	}
	if v.Data == nil {
		v.Data = map[string]any{}
	}
	for _, t := range tasks {
		v.Tasks = append(v.Tasks, NewTaskView(t))
	}
	return v
}

// NewDeadLetterViews converts dead letters.
func NewDeadLetterViews(dls []*core.DeadLetter) []DeadLetterView {
	out := make([]DeadLetterView, 0, len(dls))
	for _, dl := range dls {
		out = append(out, DeadLetterView{
			ID:         dl.ID,
			TaskID:     dl.TaskID,
			WorkflowID: dl.WorkflowID,
			Retries:    dl.Retries,
			Reason:     dl.Reason,
			CreatedAt:  dl.CreatedAt,
		})
	}
	return out
}
