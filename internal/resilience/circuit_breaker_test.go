package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", maxFailures, time.Second)
	cb.now = clock.now
	return cb, clock
}

var errDial = errors.New("connection refused")

func fail() error    { return errDial }
func succeed() error { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.State())
	}
	if err := cb.Call(succeed); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.Call(fail)
	cb.Call(fail)
	if cb.State() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	if err := cb.Call(fail); !errors.Is(err, errDial) {
		t.Errorf("Expected the dial error to pass through, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatal("Expected state to be Open after 3 failures")
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while Open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.Call(fail)
	cb.Call(fail)
	cb.Call(succeed)
	cb.Call(fail)
	cb.Call(fail)

	if cb.State() != StateClosed {
		t.Errorf("Expected Closed since failures were not consecutive, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)

	cb.Call(fail)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}

	clock.advance(1500 * time.Millisecond)

	if err := cb.Call(succeed); err != nil {
		t.Errorf("Expected probe to be allowed after timeout, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)

	cb.Call(fail)
	clock.advance(2 * time.Second)
	cb.Call(fail)

	if cb.State() != StateOpen {
		t.Errorf("Expected Open after failed probe, got %s", cb.State())
	}
	if err := cb.Call(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen right after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	cb, clock := newTestBreaker(1)

	cb.Call(fail)
	clock.advance(2 * time.Second)

	err := cb.Call(func() error {
		// A concurrent caller during the probe is rejected.
		if err := cb.Call(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Expected ErrCircuitOpen during probe, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected probe to succeed, got %v", err)
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb, _ := newTestBreaker(0)

	for i := 0; i < 10; i++ {
		cb.Call(fail)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected disabled breaker to stay Closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, clock := newTestBreaker(1)

	var seen []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "test" {
			t.Errorf("Expected name 'test', got '%s'", name)
		}
		seen = append(seen, state)
	})

	cb.Call(fail)
	clock.advance(2 * time.Second)
	cb.Call(succeed)

	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1)

	cb.Call(fail)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected Closed after Reset, got %s", cb.State())
	}
	requests, failures := cb.Stats()
	if requests != 1 || failures != 1 {
		t.Errorf("Expected stats 1/1, got %d/%d", requests, failures)
	}
}
