package carrier

import (
	"sync"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker guards calls to a failing dependency.
type Breaker interface {
	Execute(fn func() error) error
	State() State
}

// CircuitBreaker is shared by every caller of one dependency.
//
// CLOSED lets calls through and counts consecutive failures; reaching the
// threshold opens the circuit. OPEN rejects calls with errs.ErrCircuitOpen
// until the recovery timeout has passed since the last failure, then admits a
// single trial call in HALF_OPEN. A successful trial closes the circuit and
// zeroes the counter; a failed trial reopens it and restarts the cool-down.
type CircuitBreaker struct {
	name            string
	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
	logger          *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
}

// BreakerOption customises a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithClock overrides the time source
func WithClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// NewCircuitBreaker creates a breaker in the CLOSED state
func NewCircuitBreaker(name string, threshold int, recoveryTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &CircuitBreaker{
		name:            name,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
		logger:          util.Named("carrier"),
	}
	for _, opt := range opts {
		opt(b)
	}
	util.CarrierBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs fn if the circuit allows it and records the outcome
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.recoveryTimeout {
			return errs.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return errs.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failureCount = 0
		b.trialInFlight = false
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.transition(StateOpen)
	case StateClosed:
		if b.failureCount >= b.threshold {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with mu held
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	b.state = to
	util.CarrierBreakerState.WithLabelValues(b.name).Set(float64(to))
	b.logger.Info("Circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failureCount))
}
