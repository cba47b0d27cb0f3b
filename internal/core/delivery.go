package core

import (
	"time"

	"github.com/google/uuid"
)

// Delivery is one scheduled attempt of a task. Retries counts redeliveries
// against the retry ceiling; BusyRetries counts redeliveries caused by a
// locked workflow, which do not.
type Delivery struct {
	TaskID      TaskID        `json:"task_id"`
	WorkflowID  WorkflowID    `json:"workflow_id"`
	Retries     int           `json:"retries"`
	BusyRetries int           `json:"busy_retries,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// DeliveryFor creates a first delivery for task.
func DeliveryFor(t *Task) Delivery {
	return Delivery{TaskID: t.ID, WorkflowID: t.WorkflowID}
}

// Redeliver returns the next delivery of the same task.
func (d Delivery) Redeliver(delay time.Duration, reason string) Delivery {
	return Delivery{
		TaskID:     d.TaskID,
		WorkflowID: d.WorkflowID,
		Retries:    d.Retries + 1,
		Delay:      delay,
		Reason:     reason,
	}
}

// Requeue returns the next delivery after the workflow was found locked. It
// keeps Retries so waiting on a long sibling never exhausts the ceiling.
func (d Delivery) Requeue(delay time.Duration, reason string) Delivery {
	return Delivery{
		TaskID:      d.TaskID,
		WorkflowID:  d.WorkflowID,
		Retries:     d.Retries,
		BusyRetries: d.BusyRetries + 1,
		Delay:       delay,
		Reason:      reason,
	}
}

// DeadLetter records a delivery that stopped being retried.
type DeadLetter struct {
	ID         string     `json:"id"`
	TaskID     TaskID     `json:"task_id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	Retries    int        `json:"retries"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewDeadLetter builds a dead letter for d.
func NewDeadLetter(d Delivery, reason string) *DeadLetter {
	return &DeadLetter{
		ID:         uuid.NewString(),
		TaskID:     d.TaskID,
		WorkflowID: d.WorkflowID,
		Retries:    d.Retries,
		Reason:     reason,
		CreatedAt:  Now(),
	}
}
