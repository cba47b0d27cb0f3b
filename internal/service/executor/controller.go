// Package executor runs one attempt of a task: it locks the task and its
// workflow, invokes the node, interprets the outcome and advances the
// workflow inside a single transaction.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// DefaultErrorSuccessor is the node name taken on timeout when a graph does
// not designate its own.
const DefaultErrorSuccessor = "call_error"

// Config configures the controller.
type Config struct {
	// DefaultTimeout bounds nodes that do not declare a timeout. Zero disables it.
	DefaultTimeout time.Duration
	// TimeoutGrace is how long an expired node may take to unwind before it is abandoned.
	TimeoutGrace time.Duration
	// ErrorSuccessor names the timeout successor for graphs without their own designation.
	ErrorSuccessor string
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Minute,
		TimeoutGrace:   5 * time.Second,
		ErrorSuccessor: DefaultErrorSuccessor,
	}
}

// Controller is the task lifecycle state machine.
type Controller struct {
	store     core.Store
	graphs    *graph.Registry
	scheduler core.Scheduler
	invoker   *Invoker
	planner   *Planner
	lease     time.Duration
	events    events.Publisher
	logger    *logging.Logger
}

// NewController creates a controller. scheduler may be nil, in which case
// successors are left for the sweeper.
func NewController(store core.Store, graphs *graph.Registry, scheduler core.Scheduler, cfg Config, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.ErrorSuccessor == "" {
		cfg.ErrorSuccessor = DefaultErrorSuccessor
	}
	return &Controller{
		store:     store,
		graphs:    graphs,
		scheduler: scheduler,
		invoker:   NewInvoker(cfg.DefaultTimeout, cfg.TimeoutGrace, logger),
		planner:   NewPlanner(cfg.ErrorSuccessor),
		lease:     cfg.DefaultTimeout + cfg.TimeoutGrace,
		logger:    logger,
	}
}

// SetPublisher makes the controller announce committed outcomes.
func (c *Controller) SetPublisher(p events.Publisher) {
	c.events = p
}

// Execute runs one attempt. A nil return means the attempt was resolved
// locally (completed, failed or a no-op). Any error is retryable unless the
// delivery itself is malformed.
func (c *Controller) Execute(ctx context.Context, d core.Delivery) (err error) {
	log := c.logger.WithTask(string(d.TaskID)).WithWorkflow(string(d.WorkflowID)).With("retries", d.Retries)

	// Keeps the sweeper off the task while this attempt may still be running.
	if err := c.store.TouchTask(ctx, d.TaskID, core.Now().Add(c.lease)); err != nil {
		log.Warn("recording attempt lease failed", "error", err)
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && err == nil {
			log.Warn("rollback failed", "error", rbErr)
		}
	}()

	task, err := tx.LockPendingTask(ctx, d.TaskID)
	if errors.Is(err, core.ErrNoPendingTask) {
		log.Debug("task is not pending, nothing to do")
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	if task.WorkflowID != d.WorkflowID {
		return core.ErrValidation(core.CodeDeliveryMismatch,
			fmt.Sprintf("task %s belongs to workflow %s, not %s", task.ID, task.WorkflowID, d.WorkflowID))
	}

	wf, err := tx.LockWorkflowNoWait(ctx, task.WorkflowType, task.WorkflowID)
	if err != nil {
		if core.IsCategory(err, core.ErrCatBusy) {
			log.Debug("workflow busy", "error", err)
		}
		return err
	}

	log = log.WithNode(task.WorkflowType, task.Node)
	res, err := c.attempt(ctx, tx, task, wf, log)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	c.announce(task, res)
	c.scheduleSuccessors(ctx, res.created, log)
	return nil
}

// attemptResult is what an attempt staged for commit.
type attemptResult struct {
	created  []*core.Task
	timedOut bool
	cause    error
}

// attempt runs the node and applies its outcome to tx. It returns what was
// staged, or an error that must abort the transaction.
func (c *Controller) attempt(ctx context.Context, tx core.Tx, task *core.Task, wf *core.Workflow, log *logging.Logger) (attemptResult, error) {
	g, err := c.graphs.Get(task.WorkflowType)
	if err != nil {
		return attemptResult{cause: err}, c.fail(ctx, tx, task, err, log)
	}
	node, ok := g.Node(task.Node)
	if !ok {
		err := &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodeNodeNotFound,
			Message:  fmt.Sprintf("graph %s has no node %q", g.Type(), task.Node),
		}
		return attemptResult{cause: err}, c.fail(ctx, tx, task, err, log)
	}

	inv := c.invoker.Invoke(ctx, node, wf, task)
	dec := Interpret(inv.Outcome)
	log.Debug("node returned", "outcome", inv.Outcome.Kind.String(), "action", dec.Action.String(), "elapsed", inv.Elapsed)

	switch dec.Action {
	case ActionAbort:
		log.Warn("attempt aborted", "error", dec.Err)
		return attemptResult{}, dec.Err

	case ActionRetry:
		log.Info("task returned retry, scheduling another attempt")
		return attemptResult{}, core.ErrRetryRequested(task.ID)

	case ActionEscape:
		return c.escape(ctx, tx, task, wf, g, log)

	case ActionFail:
		return attemptResult{cause: dec.Err}, c.fail(ctx, tx, task, dec.Err, log)

	default:
		nodes, err := c.planner.Plan(g, task.Node, dec.Hint)
		if err != nil {
			return attemptResult{cause: err}, c.fail(ctx, tx, task, err, log)
		}
		inv.Workflow.Touch()
		if err := tx.SaveWorkflow(ctx, inv.Workflow); err != nil {
			return attemptResult{}, err
		}
		created, err := c.complete(ctx, tx, task, nodes)
		if err != nil {
			return attemptResult{}, err
		}
		log.Info("task completed successfully, starting next tasks", "next", nodeNames(nodes))
		return attemptResult{created: created}, nil
	}
}

// escape handles a timed-out attempt: the diagnostic is recorded and the
// error successor taken if the node declares one, otherwise the task fails.
func (c *Controller) escape(ctx context.Context, tx core.Tx, task *core.Task, wf *core.Workflow, g *graph.Graph, log *logging.Logger) (attemptResult, error) {
	msg := fmt.Sprintf("Execution of %s failed. time limit exceeded", task)
	log.Error(msg)
	res := attemptResult{timedOut: true, cause: errors.New("time limit exceeded")}

	if g.RecordsErrors() {
		wf.SetError(msg)
		if err := tx.SaveWorkflow(ctx, wf); err != nil {
			return res, err
		}
	}

	next, ok := c.planner.ErrorSuccessor(g, task.Node)
	if !ok {
		if err := task.Fail(); err != nil {
			return res, err
		}
		return res, tx.UpdateTask(ctx, task)
	}

	created, err := c.complete(ctx, tx, task, []*graph.Node{next})
	if err != nil {
		return res, err
	}
	log.Info("taking error successor", "next", next.Name)
	res.created = created
	return res, nil
}

// fail marks the task failed. The workflow's diagnostic error is left alone;
// only escape writes it. Only storage errors are returned.
func (c *Controller) fail(ctx context.Context, tx core.Tx, task *core.Task, cause error, log *logging.Logger) error {
	log.Error("task failed", "error", cause)

	if err := task.Fail(); err != nil {
		return err
	}
	return tx.UpdateTask(ctx, task)
}

// complete creates successors and marks the task completed.
func (c *Controller) complete(ctx context.Context, tx core.Tx, task *core.Task, nodes []*graph.Node) ([]*core.Task, error) {
	created, err := c.planner.Materialize(ctx, tx, task, nodes)
	if err != nil {
		return nil, err
	}
	if err := task.Finish(); err != nil {
		return nil, err
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Controller) scheduleSuccessors(ctx context.Context, created []*core.Task, log *logging.Logger) {
	if c.scheduler == nil {
		return
	}
	for _, t := range created {
		if err := c.scheduler.Schedule(ctx, core.DeliveryFor(t)); err != nil {
			log.Warn("failed to schedule successor, sweeper will pick it up", "successor", t.ID, "error", err)
		}
	}
}

// announce publishes the committed outcome of an attempt.
func (c *Controller) announce(task *core.Task, res attemptResult) {
	if c.events == nil {
		return
	}
	wfID, taskID := string(task.WorkflowID), string(task.ID)
	if res.timedOut {
		next := ""
		if len(res.created) > 0 {
			next = res.created[0].Node
		}
		c.events.Publish(events.NewTaskTimedOutEvent(wfID, taskID, task.Node, next))
	}
	switch task.Status {
	case core.TaskStatusCompleted:
		ids := make([]string, 0, len(res.created))
		for _, t := range res.created {
			ids = append(ids, string(t.ID))
		}
		c.events.Publish(events.NewTaskCompletedEvent(wfID, taskID, task.Node, ids))
	case core.TaskStatusFailed:
		msg := ""
		if res.cause != nil {
			msg = res.cause.Error()
		}
		c.events.Publish(events.NewTaskFailedEvent(wfID, taskID, task.Node, msg))
	}
}

func nodeNames(nodes []*graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}
