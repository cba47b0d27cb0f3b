package store

import (
	"database/sql"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

const (
	workflowColumns   = "id, type, data, error_message, created_at, updated_at"
	taskColumns       = "id, workflow_id, workflow_type, node, status, parent_id, created_at, completed_at"
	deadLetterColumns = "id, task_id, workflow_id, retries, reason, created_at"
)

type workflowRow struct {
	ID           string         `db:"id"`
	Type         string         `db:"type"`
	Data         string         `db:"data"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func workflowToRow(wf *core.Workflow) (*workflowRow, error) {
	data, err := wf.MarshalData()
	if err != nil {
		return nil, err
	}
	return &workflowRow{
		ID:           string(wf.ID),
		Type:         wf.Type,
		Data:         string(data),
		ErrorMessage: sql.NullString{String: wf.Error, Valid: wf.Error != ""},
		CreatedAt:    wf.CreatedAt.UTC(),
		UpdatedAt:    wf.UpdatedAt.UTC(),
	}, nil
}

func (r *workflowRow) toDomain() (*core.Workflow, error) {
	wf := &core.Workflow{
		ID:        core.WorkflowID(r.ID),
		Type:      r.Type,
		Error:     r.ErrorMessage.String,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := wf.UnmarshalData([]byte(r.Data)); err != nil {
		return nil, err
	}
	return wf, nil
}

type taskRow struct {
	ID           string         `db:"id"`
	WorkflowID   string         `db:"workflow_id"`
	WorkflowType string         `db:"workflow_type"`
	Node         string         `db:"node"`
	Status       string         `db:"status"`
	ParentID     sql.NullString `db:"parent_id"`
	CreatedAt    time.Time      `db:"created_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func taskToRow(t *core.Task) *taskRow {
	row := &taskRow{
		ID:           string(t.ID),
		WorkflowID:   string(t.WorkflowID),
		WorkflowType: t.WorkflowType,
		Node:         t.Node,
		Status:       string(t.Status),
		ParentID:     sql.NullString{String: string(t.ParentID), Valid: t.ParentID != ""},
		CreatedAt:    t.CreatedAt.UTC(),
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
	}
	return row
}

func (r *taskRow) toDomain() *core.Task {
	t := &core.Task{
		ID:           core.TaskID(r.ID),
		WorkflowID:   core.WorkflowID(r.WorkflowID),
		WorkflowType: r.WorkflowType,
		Node:         r.Node,
		Status:       core.TaskStatus(r.Status),
		ParentID:     core.TaskID(r.ParentID.String),
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time.UTC()
		t.CompletedAt = &at
	}
	return t
}

type deadLetterRow struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	WorkflowID string    `db:"workflow_id"`
	Retries    int       `db:"retries"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *deadLetterRow) toDomain() *core.DeadLetter {
	return &core.DeadLetter{
		ID:         r.ID,
		TaskID:     core.TaskID(r.TaskID),
		WorkflowID: core.WorkflowID(r.WorkflowID),
		Retries:    r.Retries,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}
