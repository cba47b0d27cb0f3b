package executor

import (
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// Action is what the controller does with an invocation.
type Action int

const (
	// ActionAbort rolls the attempt back and hands the error to the scheduler.
	ActionAbort Action = iota
	// ActionEscape records a timeout and takes the error successor if declared.
	ActionEscape
	// ActionFail marks the task failed.
	ActionFail
	// ActionRetry rolls back and asks for the same task again.
	ActionRetry
	// ActionAdvance creates successors and completes the task.
	ActionAdvance
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionEscape:
		return "escape"
	case ActionFail:
		return "fail"
	case ActionRetry:
		return "retry"
	case ActionAdvance:
		return "advance"
	default:
		return "unknown"
	}
}

// Decision is the interpreted outcome.
type Decision struct {
	Action Action
	// Hint names explicit successors for ActionAdvance.
	Hint []string
	Err  error
}

// Interpret classifies an outcome. Rules are checked in order: storage
// errors abort, then timeout, then other errors, then retry, then success.
func Interpret(out core.Outcome) Decision {
	if out.Kind == core.OutcomeAborted || (out.Err != nil && core.IsTransient(out.Err)) {
		return Decision{Action: ActionAbort, Err: out.Err}
	}

	switch out.Kind {
	case core.OutcomeTimeout:
		return Decision{Action: ActionEscape, Err: out.Err}
	case core.OutcomeFailed:
		err := out.Err
		if err == nil {
			err = core.ErrExecution(core.CodeNodeFailed, "node failed without an error")
		}
		return Decision{Action: ActionFail, Err: err}
	case core.OutcomeRetry:
		return Decision{Action: ActionRetry}
	case core.OutcomeSuccess:
		return Decision{Action: ActionAdvance, Hint: dedupe(out.Next)}
	default:
		return Decision{Action: ActionFail, Err: core.ErrExecution(core.CodeNodeFailed, "node returned an unknown outcome: "+out.Kind.String())}
	}
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
