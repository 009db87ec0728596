package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/taskgate/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, onChange func(BreakerState)) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          time.Second,
	}, onChange)
	cb.now = clock.now
	cb.windowStart = clock.t
	return cb, clock
}

func TestCircuitBreaker_startsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, nil)

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, nil)

	cb.RecordFailure()
	clock.advance(2 * time.Second)

	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", s)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() in half-open = %v, want nil", err)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 probes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, nil)

	cb.RecordFailure()
	clock.advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, nil)

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
		cb.RecordFailure()
	}

	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% error rate", s)
	}
}

func TestCircuitBreaker_errorRateNeedsSamples(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, nil)

	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed below sample minimum", s)
	}
}

func TestCircuitBreaker_reportsTransitions(t *testing.T) {
	var seen []BreakerState
	cb, clock := newTestBreaker(1, 1, func(s BreakerState) { seen = append(seen, s) })

	cb.RecordFailure()
	clock.advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
