package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNow struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func passing() error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.GetState())
	}
	if cb.GetFailures() != 0 {
		t.Fatalf("expected zero failures, got %d", cb.GetFailures())
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Fatal("open circuit must not call fn")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeNow{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(1, 30*time.Second, WithNow(clock.Now))

	_ = cb.Execute(failing)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	clock.Advance(10 * time.Second)
	if err := cb.Execute(passing); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected still open before reset timeout, got %v", err)
	}

	clock.Advance(21 * time.Second)
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeNow{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(2, time.Second, WithNow(clock.Now))

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	clock.Advance(2 * time.Second)

	if err := cb.Execute(failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopened circuit, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	_ = cb.Execute(passing)
	if cb.GetFailures() != 0 {
		t.Fatalf("expected failures reset, got %d", cb.GetFailures())
	}
	_ = cb.Execute(failing)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := &fakeNow{now: time.Unix(0, 0)}
	var transitions []string
	cb := NewCircuitBreaker(1, time.Second,
		WithNow(clock.Now),
		WithStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	_ = cb.Execute(failing)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(passing)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	_ = cb.Execute(failing)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", cb.GetState())
	}
	if err := cb.Execute(passing); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
