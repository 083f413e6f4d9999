// Package retry implements the Retry Engine (spec §4.3): a bounded,
// jittered backoff schedule over cenkalti/backoff/v4, plus the give-up
// decision that routes an exhausted Request to the dead letter queue.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
)

const (
	baseInterval  = 1 * time.Second
	maxInterval   = 300 * time.Second
	multiplier    = 2.0
	jitterFactor  = 0.25
)

// Engine computes retry delays and give-up decisions. It is stateless and
// safe for concurrent use; attempt number and error class are supplied by
// the caller on every call.
type Engine struct{}

// NewEngine constructs a retry Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// newBackOff builds a fresh exponential backoff so each call starts its
// sequence at attempt 1 rather than carrying state across Requests.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.MaxInterval = maxInterval
	b.Multiplier = multiplier
	b.RandomizationFactor = jitterFactor
	b.MaxElapsedTime = 0 // the engine enforces the attempt budget, not elapsed time
	return b
}

// NextDelay returns the jittered backoff before attemptNo+1, given the
// error's class and any provider-supplied Retry-After. attemptNo is the
// 1-based number of the attempt that just failed. The sequence is monotone
// non-decreasing before jitter and bounded by maxInterval (spec §8
// invariant 8).
func (e *Engine) NextDelay(attemptNo int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil && *retryAfter > 0 {
		if *retryAfter > maxInterval {
			return maxInterval
		}
		return *retryAfter
	}

	b := newBackOff()
	var d time.Duration
	for i := 0; i < attemptNo; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ShouldRetry decides whether another attempt should be scheduled, combining
// the error class's retryability with the type's attempt budget (spec §4.3:
// "only retries error_class ∈ {retryable, rate_limited, timeout}" and "never
// exceeds type.max_attempts").
func (e *Engine) ShouldRetry(typ notification.Type, attemptNo int, errClass notification.ErrorClass) bool {
	if !errClass.ShouldRetry() {
		return false
	}
	return attemptNo < typ.MaxAttempts()
}
