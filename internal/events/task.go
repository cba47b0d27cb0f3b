package events

import "time"

// Event types.
const (
	TypeWorkflowStarted  = "workflow_started"
	TypeTaskCompleted    = "task_completed"
	TypeTaskFailed       = "task_failed"
	TypeTaskTimedOut     = "task_timed_out"
	TypeTaskRedelivered  = "task_redelivered"
	TypeTaskDeadLettered = "task_dead_lettered"
)

// WorkflowStartedEvent is emitted once a workflow and its first task are stored.
type WorkflowStartedEvent struct {
	BaseEvent
	WorkflowType string `json:"workflow_type"`
	FirstTask    string `json:"first_task"`
	Node         string `json:"node"`
}

// NewWorkflowStartedEvent creates a workflow started event.
func NewWorkflowStartedEvent(workflowID, workflowType, firstTask, node string) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:    NewBaseEvent(TypeWorkflowStarted, workflowID),
		WorkflowType: workflowType,
		FirstTask:    firstTask,
		Node:         node,
	}
}

// TaskCompletedEvent is emitted after a task and its successors are committed.
type TaskCompletedEvent struct {
	BaseEvent
	TaskID     string   `json:"task_id"`
	Node       string   `json:"node"`
	Successors []string `json:"successors"`
}

// NewTaskCompletedEvent creates a task completed event.
func NewTaskCompletedEvent(workflowID, taskID, node string, successors []string) TaskCompletedEvent {
	if successors == nil {
		successors = []string{}
	}
	return TaskCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeTaskCompleted, workflowID),
		TaskID:     taskID,
		Node:       node,
		Successors: successors,
	}
}

// TaskFailedEvent is emitted after a task is committed as failed.
type TaskFailedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
	Node   string `json:"node"`
	Error  string `json:"error,omitempty"`
}

// NewTaskFailedEvent creates a task failed event.
func NewTaskFailedEvent(workflowID, taskID, node, errMsg string) TaskFailedEvent {
	return TaskFailedEvent{
		BaseEvent: NewBaseEvent(TypeTaskFailed, workflowID),
		TaskID:    taskID,
		Node:      node,
		Error:     errMsg,
	}
}

// TaskTimedOutEvent is emitted when a node overran its limit. ErrorSuccessor
// is empty when the task was failed instead.
type TaskTimedOutEvent struct {
	BaseEvent
	TaskID         string `json:"task_id"`
	Node           string `json:"node"`
	ErrorSuccessor string `json:"error_successor,omitempty"`
}

// NewTaskTimedOutEvent creates a task timed out event.
func NewTaskTimedOutEvent(workflowID, taskID, node, errorSuccessor string) TaskTimedOutEvent {
	return TaskTimedOutEvent{
		BaseEvent:      NewBaseEvent(TypeTaskTimedOut, workflowID),
		TaskID:         taskID,
		Node:           node,
		ErrorSuccessor: errorSuccessor,
	}
}

// TaskRedeliveredEvent is emitted when a failed attempt is scheduled again.
type TaskRedeliveredEvent struct {
	BaseEvent
	TaskID  string        `json:"task_id"`
	Retries int           `json:"retries"`
	Reason  string        `json:"reason"`
	Delay   time.Duration `json:"delay_ns"`
}

// NewTaskRedeliveredEvent creates a task redelivered event.
func NewTaskRedeliveredEvent(workflowID, taskID string, retries int, reason string, delay time.Duration) TaskRedeliveredEvent {
	return TaskRedeliveredEvent{
		BaseEvent: NewBaseEvent(TypeTaskRedelivered, workflowID),
		TaskID:    taskID,
		Retries:   retries,
		Reason:    reason,
		Delay:     delay,
	}
}

// TaskDeadLetteredEvent is emitted when a delivery is given up on.
type TaskDeadLetteredEvent struct {
	BaseEvent
	TaskID  string `json:"task_id"`
	Retries int    `json:"retries"`
	Reason  string `json:"reason"`
}

// NewTaskDeadLetteredEvent creates a task dead-lettered event.
func NewTaskDeadLetteredEvent(workflowID, taskID string, retries int, reason string) TaskDeadLetteredEvent {
	return TaskDeadLetteredEvent{
		BaseEvent: NewBaseEvent(TypeTaskDeadLettered, workflowID),
		TaskID:    taskID,
		Retries:   retries,
		Reason:    reason,
	}
}
