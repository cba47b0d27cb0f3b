package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// Invocation is the result of running one node.
type Invocation struct {
	Outcome core.Outcome
	// Workflow is the node's working copy. It is nil unless the node
	// returned before its deadline.
	Workflow *core.Workflow
	Elapsed  time.Duration
}

// Invoker runs node logic under a deadline. The node works on a copy of the
// workflow so an abandoned attempt can never touch the locked instance.
type Invoker struct {
	defaultTimeout time.Duration
	grace          time.Duration
	logger         *logging.Logger
}

// NewInvoker creates an invoker. A zero defaultTimeout disables the deadline
// for nodes that do not declare their own.
func NewInvoker(defaultTimeout, grace time.Duration, logger *logging.Logger) *Invoker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Invoker{defaultTimeout: defaultTimeout, grace: grace, logger: logger}
}

// Invoke calls node with a copy of wf and, if the node asks for it, a copy of task.
func (i *Invoker) Invoke(ctx context.Context, node *graph.Node, wf *core.Workflow, task *core.Task) Invocation {
	start := time.Now()
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	var (
		nodeCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		nodeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	work := wf.Clone()
	in := graph.Input{Workflow: work}
	if node.WantsTask {
		in.Task = task.Clone()
	}

	done := make(chan core.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("node panicked", "node", node.Name, "panic", r, "stack", string(debug.Stack()))
				done <- core.Fail(core.ErrExecution(core.CodeNodePanicked, fmt.Sprintf("node %s panicked: %v", node.Name, r)))
			}
		}()
		done <- node.Run(nodeCtx, in)
	}()

	select {
	case out := <-done:
		if expired(ctx, nodeCtx) {
			return Invocation{Outcome: timedOut(node, timeout), Elapsed: time.Since(start)}
		}
		if ctx.Err() != nil {
			return Invocation{Outcome: cancelled(ctx.Err()), Elapsed: time.Since(start)}
		}
		return Invocation{Outcome: out, Workflow: work, Elapsed: time.Since(start)}

	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			return Invocation{Outcome: cancelled(ctx.Err()), Elapsed: time.Since(start)}
		}
		// Deadline passed. Give the node a moment to unwind; its result is
		// discarded either way.
		grace := time.NewTimer(i.grace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			i.logger.Warn("abandoning node that ignored cancellation", "node", node.Name, "timeout", timeout)
		}
		return Invocation{Outcome: timedOut(node, timeout), Elapsed: time.Since(start)}
	}
}

// expired reports whether the node's own deadline fired while the attempt
// itself was still live.
func expired(parent, nodeCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded)
}

func timedOut(node *graph.Node, timeout time.Duration) core.Outcome {
	return core.Outcome{
		Kind: core.OutcomeTimeout,
		Err:  core.ErrTimeout(fmt.Sprintf("node %s exceeded its time limit of %s", node.Name, timeout)),
	}
}

func cancelled(cause error) core.Outcome {
	return core.Outcome{
		Kind: core.OutcomeAborted,
		Err:  core.ErrTransient(core.CodeAttemptCancelled, "attempt cancelled").WithCause(cause),
	}
}
