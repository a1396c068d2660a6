package remotelayer

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned by breaker.run while the circuit is open (or
// half-open with a probe already in flight) and the call is rejected
// without touching the remote store.
var ErrBreakerOpen = errors.New("remotelayer: circuit breaker open")

// breaker wraps gobreaker.CircuitBreaker, configured to trip on N
// consecutive failures rather than gobreaker's
// usual failure-ratio ReadyToTrip — gobreaker.Counts.ConsecutiveFailures
// tracks exactly the number this layer needs.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "remotelayer",
		// MaxRequests limits concurrent probes in half-open state to one,
		// admitting exactly one probe request while half-open.
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= failureThreshold
		},
	})
	return &breaker{cb: cb}
}

// run executes fn if the breaker admits the call, recording the outcome.
func (b *breaker) run(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}
