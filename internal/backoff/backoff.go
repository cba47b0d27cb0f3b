// Package backoff provides retry delay strategies for redelivered attempts.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before a redelivery.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	Delay(retry int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows by Initial per retry, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * retry, capped at Max.
func (l *Linear) Delay(retry int) time.Duration {
	d := l.Initial * time.Duration(clamp(retry))
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles each retry, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	return time.Duration(exponential(e.Initial, e.Max, retry))
}

// ExponentialWithJitter draws uniformly from [0, exponential delay].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(retry-1), Max)].
func (e *ExponentialWithJitter) Delay(retry int) time.Duration {
	base := exponential(e.Initial, e.Max, retry)
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

func exponential(initial, maxDelay time.Duration, retry int) float64 {
	d := float64(initial) * math.Pow(2, float64(clamp(retry)-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return float64(maxDelay)
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// ceiling keeps float to Duration conversion in range.
const ceiling = float64(1 << 62)

func clamp(retry int) int {
	if retry < 1 {
		return 1
	}
	return retry
}

// Strategy names accepted by Parse.
const (
	KindConstant    = "constant"
	KindLinear      = "linear"
	KindExponential = "exponential"
	KindJitter      = "jitter"
)

// Parse builds a strategy from its configured name.
func Parse(kind string, initial, maxDelay time.Duration) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindConstant:
		return NewConstant(initial), nil
	case KindLinear:
		return NewLinear(initial, maxDelay), nil
	case KindExponential:
		return NewExponential(initial, maxDelay), nil
	case KindJitter, "exponential_jitter":
		return NewExponentialWithJitter(initial, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", kind)
	}
}

// DefaultStrategy is used for storage errors: exponential with jitter, 1s to 1m.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
