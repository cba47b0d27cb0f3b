package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/backoff"
	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// DefaultMaxRetries is the ceiling shared by transient and soft retries.
// Busy redeliveries do not count against it.
const DefaultMaxRetries = 20

// Policy decides whether and when a failed attempt is redelivered.
type Policy struct {
	// MaxRetries caps transient and soft retries of one task.
	MaxRetries  int
	ShouldRetry func(error) bool
	// Transient covers storage errors.
	Transient backoff.Strategy
	// Busy covers attempts that found their workflow locked. It is indexed
	// by the busy count and never exhausts.
	Busy backoff.Strategy
	// Soft covers nodes that asked to run again.
	Soft backoff.Strategy
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  DefaultMaxRetries,
		ShouldRetry: core.IsRetryable,
		Transient:   backoff.DefaultStrategy(),
		Busy:        backoff.NewLinear(100*time.Millisecond, 5*time.Second),
		Soft:        backoff.NewConstant(5 * time.Second),
	}
}

// PolicyOption configures a retry policy.
type PolicyOption func(*Policy)

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) PolicyOption {
	return func(p *Policy) {
		p.MaxRetries = n
	}
}

// WithShouldRetry replaces the retry predicate.
func WithShouldRetry(fn func(error) bool) PolicyOption {
	return func(p *Policy) {
		p.ShouldRetry = fn
	}
}

// WithTransientBackoff sets the strategy for storage errors.
func WithTransientBackoff(s backoff.Strategy) PolicyOption {
	return func(p *Policy) {
		p.Transient = s
	}
}

// WithBusyBackoff sets the strategy for busy workflows.
func WithBusyBackoff(s backoff.Strategy) PolicyOption {
	return func(p *Policy) {
		p.Busy = s
	}
}

// WithSoftBackoff sets the strategy for soft retries.
func WithSoftBackoff(s backoff.Strategy) PolicyOption {
	return func(p *Policy) {
		p.Soft = s
	}
}

// NewPolicy creates a retry policy from the defaults.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the wait before retry n of an attempt that failed with err.
func (p *Policy) Delay(err error, retry int) time.Duration {
	var s backoff.Strategy
	switch core.GetCategory(err) {
	case core.ErrCatBusy:
		s = p.Busy
	case core.ErrCatRetry:
		s = p.Soft
	default:
		s = p.Transient
	}
	if s == nil {
		return 0
	}
	return s.Delay(retry)
}

func (p *Policy) retryable(err error) bool {
	if p.ShouldRetry == nil {
		return core.IsRetryable(err)
	}
	return p.ShouldRetry(err)
}

// Resolution is what the retrier did with a failed attempt.
type Resolution int

const (
	// Redelivered means another attempt was scheduled.
	Redelivered Resolution = iota
	// DeadLettered means the delivery was given up on and recorded.
	DeadLettered
)

// Retrier applies a Policy: it redelivers retryable failures and
// dead-letters the rest.
type Retrier struct {
	policy    *Policy
	scheduler core.Scheduler
	store     core.Store
	events    events.Publisher
	logger    *logging.Logger
}

// NewRetrier creates a retrier.
func NewRetrier(policy *Policy, scheduler core.Scheduler, store core.Store, logger *logging.Logger) *Retrier {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Retrier{policy: policy, scheduler: scheduler, store: store, logger: logger}
}

// SetPublisher makes the retrier announce redeliveries and dead letters.
func (r *Retrier) SetPublisher(p events.Publisher) {
	r.events = p
}

// Policy returns the retry policy in use.
func (r *Retrier) Policy() *Policy { return r.policy }

// Handle resolves a failed attempt of d.
func (r *Retrier) Handle(ctx context.Context, d core.Delivery, cause error) (Resolution, error) {
	log := r.logger.WithTask(string(d.TaskID)).WithWorkflow(string(d.WorkflowID)).With("retries", d.Retries)

	if !r.policy.retryable(cause) {
		reason := fmt.Sprintf("not retryable: %v", cause)
		return DeadLettered, r.deadLetter(ctx, d, reason, log)
	}
	var next core.Delivery
	if core.IsCategory(cause, core.ErrCatBusy) {
		// Bounded by the lock holder's time limit, not by the ceiling.
		next = d.Requeue(r.policy.Delay(cause, d.BusyRetries+1), string(core.ErrCatBusy))
	} else {
		if d.Retries >= r.policy.MaxRetries {
			exhausted := core.ErrRetriesExceeded
			reason := fmt.Sprintf("%s after %d retries: %v", exhausted.Code, d.Retries, cause)
			return DeadLettered, r.deadLetter(ctx, d, reason, log)
		}
		next = d.Redeliver(r.policy.Delay(cause, d.Retries+1), string(core.GetCategory(cause)))
	}
	if err := r.scheduler.Schedule(ctx, next); err != nil {
		return Redelivered, fmt.Errorf("rescheduling task %s: %w", d.TaskID, err)
	}
	log.Debug("attempt redelivered", "delay", next.Delay, "reason", next.Reason, "busy_retries", next.BusyRetries, "error", cause)
	r.publish(events.NewTaskRedeliveredEvent(string(d.WorkflowID), string(d.TaskID), next.Retries, next.Reason, next.Delay))
	return Redelivered, nil
}

func (r *Retrier) deadLetter(ctx context.Context, d core.Delivery, reason string, log *logging.Logger) error {
	log.Warn("delivery dead-lettered", "reason", reason)
	if err := r.store.RecordDeadLetter(ctx, core.NewDeadLetter(d, reason)); err != nil {
		return fmt.Errorf("recording dead letter for task %s: %w", d.TaskID, err)
	}
	r.publish(events.NewTaskDeadLetteredEvent(string(d.WorkflowID), string(d.TaskID), d.Retries, reason))
	return nil
}

func (r *Retrier) publish(e events.Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}
