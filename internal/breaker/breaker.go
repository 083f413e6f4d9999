// Package breaker provides a per-dependency circuit breaker registry over
// sony/gobreaker, matching the spec §4.2 Circuit Breaker design: one named
// breaker per provider/dependency, 5 consecutive failures within a 120s
// window trips it OPEN, a 60s cooldown promotes it to HALF_OPEN, and 2
// consecutive successes in HALF_OPEN close it again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/meetsmatch/notify-dispatch/internal/errors"
)

const (
	failureThreshold = 5
	failureWindow    = 120 * time.Second
	cooldown         = 60 * time.Second
	halfOpenProbes   = 2
)

// StateChangeFunc is invoked whenever a breaker transitions, letting the
// Degradation Controller observe breaker health without polling.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Registry hands out one gobreaker.CircuitBreaker per name, creating it
// lazily on first use with the spec's fixed thresholds.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	onChange StateChangeFunc
}

// NewRegistry constructs a Registry. onChange may be nil.
func NewRegistry(onChange StateChangeFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onChange: onChange,
	}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Interval:    failureWindow,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. If the breaker is OPEN, fn is
// never called and a CircuitOpen AppError is returned in O(1) (spec §8
// invariant 6).
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	cb := r.get(name)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewCircuitOpenError(name)
	}
	return err
}

// Snapshot is a read-only view of a breaker's current state.
type Snapshot struct {
	Name  string
	State string
}

// Snapshots returns the current state of every breaker that has been used
// so far, for health probes and the Degradation Controller.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for name, cb := range r.breakers {
		out = append(out, Snapshot{Name: name, State: cb.State().String()})
	}
	return out
}

// State returns the current state of a single named breaker, creating it
// (in CLOSED state) if it doesn't exist yet.
func (r *Registry) State(name string) gobreaker.State {
	return r.get(name).State()
}
