package syncbus

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned by Publish while the breaker is open.
var ErrCircuitOpen = errors.New("lockable: notifier circuit breaker is open")

// CircuitBreakerBus decorates a Bus with a circuit breaker on Publish.
// After threshold consecutive failures publishes are rejected for
// timeout, so a dead notifier does not add a round trip to every release.
type CircuitBreakerBus struct {
	bus Bus
	cb  *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus: bus,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "lockable-syncbus",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
		}),
	}
}

// IsHealthy reports whether publishes are currently let through.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.cb.State() != gobreaker.StateOpen
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	_, err := cb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, cb.bus.Publish(ctx, key)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Subscribe implements Bus.Subscribe. A waiter that cannot subscribe
// falls back to plain polling, so subscriptions are not guarded.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
