package executor

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
)

// StartWorkflow creates a workflow of the given type with a pending task at
// the graph's start node and schedules its first delivery.
func (c *Controller) StartWorkflow(ctx context.Context, workflowType string, data map[string]any) (*core.Workflow, *core.Task, error) {
	g, err := c.graphs.Get(workflowType)
	if err != nil {
		return nil, nil, err
	}
	start, ok := g.Start()
	if !ok {
		return nil, nil, core.ErrValidation(core.CodeInvalidGraph, fmt.Sprintf("graph %s has no start node", workflowType))
	}

	wf := core.NewWorkflow(workflowType, data)
	first := core.NewTask(wf, start.Name)
	if err := c.store.StartWorkflow(ctx, wf, first); err != nil {
		return nil, nil, err
	}

	log := c.logger.WithWorkflow(string(wf.ID)).WithTask(string(first.ID))
	log.Info("workflow started", "workflow_type", workflowType, "node", start.Name)
	if c.events != nil {
		c.events.Publish(events.NewWorkflowStartedEvent(string(wf.ID), workflowType, string(first.ID), first.Node))
	}
	c.scheduleSuccessors(ctx, []*core.Task{first}, log)
	return wf, first, nil
}

// Redeliver schedules a fresh delivery for a pending task, clearing any dead
// letters so the sweeper considers it again.
func (c *Controller) Redeliver(ctx context.Context, id core.TaskID) (*core.Task, error) {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.IsPending() {
		return nil, core.ErrState(core.CodeTaskNotPending, fmt.Sprintf("task %s is %s", id, task.Status))
	}
	if err := c.store.ClearDeadLetters(ctx, id); err != nil {
		return nil, err
	}
	if c.scheduler == nil {
		return nil, core.ErrState(core.CodeInvalidState, "no scheduler configured")
	}
	if err := c.scheduler.Schedule(ctx, core.DeliveryFor(task)); err != nil {
		return nil, err
	}
	c.logger.WithTask(string(id)).Info("task redelivered")
	return task, nil
}
