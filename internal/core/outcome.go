package core

// OutcomeKind tags the result of one node invocation.
type OutcomeKind int

const (
	// OutcomeSuccess completes the task. Next optionally names successors.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry asks for the same task to be delivered again.
	OutcomeRetry
	// OutcomeFailed marks the task failed.
	OutcomeFailed
	// OutcomeTimeout is produced by the invoker when a node overruns its limit.
	OutcomeTimeout
	// OutcomeAborted carries a storage error that must abort the attempt.
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is what node logic hands back to the executor.
type Outcome struct {
	Kind OutcomeKind
	Next []string
	Err  error
}

// Success completes the task. With no names the graph's default edges are followed.
func Success(next ...string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Next: next}
}

// Continue completes the task and follows the default edges.
func Continue() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Retry requests another delivery of the same task.
func Retry() Outcome {
	return Outcome{Kind: OutcomeRetry}
}

// Fail marks the task failed.
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// FromBool maps the boolean shorthand: true continues, false retries.
func FromBool(ok bool) Outcome {
	if ok {
		return Continue()
	}
	return Retry()
}

// HasHint reports whether node logic chose its successors explicitly.
func (o Outcome) HasHint() bool {
	return len(o.Next) > 0
}
