package classify

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one circuit breaker per Gear, so a Gear whose
// classifier keeps returning a non_retriable_* kind trips independently of
// any single Job's own retry budget (§4.7, §9.1).
//
// Grounded on kubernaut's circuitbreaker.Manager usage in its notification
// controller wiring (gobreaker.Settings with ConsecutiveFailures-based
// ReadyToTrip and an OnStateChange metrics hook) — C360Studio-semspec
// itself has no circuit breaker, so this is borrowed from the rest of the
// example pack rather than the teacher.
type BreakerRegistry struct {
	settings func(gear string) gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	onStateChange func(gear string, from, to gobreaker.State)
}

// NewBreakerRegistry constructs a registry. onStateChange, if non-nil, is
// invoked whenever any Gear's breaker changes state (for metrics/logging).
func NewBreakerRegistry(onStateChange func(gear string, from, to gobreaker.State)) *BreakerRegistry {
	r := &BreakerRegistry{
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		onStateChange: onStateChange,
	}
	r.settings = func(gear string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        gear,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if r.onStateChange != nil {
					r.onStateChange(name, from, to)
				}
			},
		}
	}
	return r
}

// For returns (creating if necessary) the breaker for the given Gear.
func (r *BreakerRegistry) For(gear string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[gear]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(r.settings(gear))
	r.breakers[gear] = b
	return b
}

// Execute runs fn through the named Gear's breaker. A non_retriable_*
// classification counts as a breaker failure; a retriable classification
// that still failed this attempt also counts, since the Gear itself is
// unhealthy regardless of whether the step might succeed on retry.
func (r *BreakerRegistry) Execute(gear string, fn func() error) error {
	_, err := r.For(gear).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}
