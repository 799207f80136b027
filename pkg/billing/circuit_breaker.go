package billing

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the gateway circuit breaker is open.
var ErrCircuitOpen = errors.New("gateway circuit breaker is open")

// CircuitBreaker guards outbound gateway calls. A nil *CircuitBreaker runs
// every call.
type CircuitBreaker struct {
	mu sync.RWMutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state BreakerState)
}

// NewCircuitBreaker creates a circuit breaker that opens after failureThreshold
// consecutive failures. It returns nil when failureThreshold is not positive.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state BreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		return nil
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return StateClosed
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if cb == nil {
		return fn()
	}
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.failure()
		return err
	}

	cb.success()
	return nil
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A failed half-open trial keeps the state open and restarts the timeout.
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState BreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
