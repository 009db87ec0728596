package upstream

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/taskgate/internal/config"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all calls through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the number of calls a window needs before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// CircuitBreaker guards one upstream. It trips on consecutive failures or
// on the error rate within a tumbling window. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
	onChange func(BreakerState)
	now      func() time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a breaker from configuration. onChange, when
// non-nil, is called with the lock held on every state transition.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		cfg:      cfg,
		state:    BreakerClosed,
		onChange: onChange,
		now:      time.Now,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil when a call may proceed and ErrCircuitOpen otherwise.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a call that reached the upstream and got a usable answer.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countWindow(false)
	case BreakerHalfOpen:
		cb.probes++
		if cb.probes >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records an infrastructure failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countWindow(true)
		if cb.failures >= cb.cfg.FailureThreshold || cb.errorRateExceeded() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	cb.state = to
	cb.failures = 0
	cb.probes = 0
	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
		cb.resetWindow()
	case BreakerClosed:
		cb.resetWindow()
	}
	if cb.onChange != nil {
		cb.onChange(to)
	}
}

func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.transition(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) countWindow(failed bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.cfg.ErrorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if failed {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.cfg.ErrorRateThreshold <= 0 || cb.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.cfg.ErrorRateThreshold
}
