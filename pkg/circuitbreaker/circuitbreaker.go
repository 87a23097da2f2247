package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker rejects traffic.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail fast
	StateHalfOpen              // a few probes decide between closed and open
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold    int           // consecutive failures that open the circuit
	SuccessThreshold    int           // half-open successes that close it again
	Timeout             time.Duration // open period before probing
	MaxRequestsHalfOpen int
}

// DefaultConfig opens after 5 consecutive failures and probes again after 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	Rejected         uint64
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	rejected         uint64
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a closed breaker.
func New(config Config) *CircuitBreaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config Config, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           StateClosed,
		stateChangeTime: now(),
	}
}

// OnStateChange registers a callback run synchronously after each
// transition, outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.acquire(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cb.release()
	default:
		cb.record(false)
	}
	return result, err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var notify func()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			cb.rejected++
			cb.mu.Unlock()
			return fmt.Errorf("%w: retry after %s", ErrOpen, cb.config.Timeout)
		}
		notify = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenRequests++
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			cb.rejected++
			cb.mu.Unlock()
			return fmt.Errorf("%w: half-open probe limit reached", ErrOpen)
		}
		cb.halfOpenRequests++
	}

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// release returns a half-open probe slot without judging the outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	var notify func()

	if success {
		cb.failureCount = 0
		cb.successCount++
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	} else {
		cb.successCount = 0
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		switch {
		case cb.state == StateHalfOpen:
			notify = cb.transitionLocked(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
			notify = cb.transitionLocked(StateOpen)
		}
	}

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transitionLocked changes state and returns the callback invocation to
// run after unlocking, if any.
func (cb *CircuitBreaker) transitionLocked(next State) func() {
	if cb.state == next {
		return nil
	}
	prev := cb.state
	cb.state = next
	cb.stateChangeTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(prev, next) }
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		Rejected:         cb.rejected,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
