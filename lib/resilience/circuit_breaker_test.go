package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDial = errors.New("dial tcp: connection refused")

// trippedBreaker returns a breaker already opened by consecutive failures.
func trippedBreaker(t *testing.T, cfg CircuitBreakerConfig) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker("db", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected circuit to be Open, got %v", cb.State())
	}
	return cb
}

func TestCircuitBreakerDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{})

	cfg := cb.Stats().Config
	def := DefaultCircuitBreakerConfig()
	if cfg != def {
		t.Errorf("expected defaults %+v, got %+v", def, cfg)
	}
	if cb.Name() != "db" {
		t.Errorf("expected name 'db', got %q", cb.Name())
	}
	if cb.State() != CircuitClosed {
		t.Error("new breaker should be closed")
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Second}
	cb := NewCircuitBreaker("db", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		if cb.State() == CircuitOpen {
			t.Fatalf("circuit opened too early at failure %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected circuit to be Open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow to return false when open")
	}
	if cb.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", cb.Stats().Rejected)
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("expected circuit to be Closed, got %v", cb.State())
	}
	if cb.Stats().FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", cb.Stats().FailureCount)
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             30 * time.Millisecond,
		MaxHalfOpenRequests: 2,
	}

	t.Run("admits limited trials", func(t *testing.T) {
		cb := trippedBreaker(t, cfg)
		time.Sleep(40 * time.Millisecond)

		if cb.State() != CircuitHalfOpen {
			t.Errorf("expected HalfOpen after timeout, got %v", cb.State())
		}
		if !cb.Allow() || !cb.Allow() {
			t.Error("expected two trial calls to be allowed")
		}
		if cb.Allow() {
			t.Error("expected third trial call to be rejected")
		}
	})

	t.Run("closes after successes", func(t *testing.T) {
		cb := trippedBreaker(t, cfg)
		time.Sleep(40 * time.Millisecond)
		cb.Allow()

		cb.RecordSuccess()
		if cb.State() != CircuitHalfOpen {
			t.Errorf("expected still HalfOpen, got %v", cb.State())
		}
		cb.RecordSuccess()
		if cb.State() != CircuitClosed {
			t.Errorf("expected Closed, got %v", cb.State())
		}
	})

	t.Run("reopens on failure", func(t *testing.T) {
		cb := trippedBreaker(t, cfg)
		time.Sleep(40 * time.Millisecond)
		cb.Allow()

		cb.RecordSuccess()
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Errorf("expected Open after failed trial, got %v", cb.State())
		}
	})
}

func TestCircuitBreakerExecuteWithContextRejects(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, Timeout: 10 * time.Second}
	cb := NewCircuitBreaker("db", cfg)
	ctx := context.Background()

	if err := cb.ExecuteWithContext(ctx, func(context.Context) error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := cb.ExecuteWithContext(ctx, func(context.Context) error { return errDial }); !errors.Is(err, errDial) {
		t.Errorf("expected dial error, got %v", err)
	}
	if cb.Stats().FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", cb.Stats().FailureCount)
	}

	cb.RecordFailure()
	executed := false
	err := cb.ExecuteWithContext(ctx, func(context.Context) error {
		executed = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if executed {
		t.Error("function should not run while open")
	}
}

func TestCircuitBreakerExecuteWithContext(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.ExecuteWithContext(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// A call that fails because its deadline passed is not the backend's fault.
	ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err = cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Error("deadline should not trip the circuit")
	}

	err = cb.ExecuteWithContext(context.Background(), func(context.Context) error { return errDial })
	if !errors.Is(err, errDial) {
		t.Errorf("expected dial error, got %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Error("backend failure should trip the circuit")
	}
}

func TestCircuitBreakerForce(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{Timeout: 10 * time.Second})

	cb.ForceOpen()
	if cb.State() != CircuitOpen {
		t.Errorf("expected Open, got %v", cb.State())
	}
	cb.ForceClose()
	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed, got %v", cb.State())
	}
	if cb.Stats().FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", cb.Stats().FailureCount)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Second})

	got := make(chan [2]CircuitState, 4)
	cb.SetStateChangeCallback(func(from, to CircuitState) {
		got <- [2]CircuitState{from, to}
	})

	trips := CircuitBreakerTrips.With(cb.Name()).Value()
	cb.RecordFailure()
	cb.RecordFailure()

	select {
	case tr := <-got:
		if tr[0] != CircuitClosed || tr[1] != CircuitOpen {
			t.Errorf("unexpected transition: %v -> %v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	if CircuitBreakerTrips.With(cb.Name()).Value() != trips+1 {
		t.Error("expected trips counter to advance")
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker("db", CircuitBreakerConfig{
		FailureThreshold:    100,
		SuccessThreshold:    10,
		Timeout:             time.Second,
		MaxHalfOpenRequests: 50,
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.ExecuteWithContext(context.Background(), func(context.Context) error {
					if n%2 == 0 {
						return nil
					}
					return errDial
				})
			}
		}(i)
	}
	wg.Wait()

	switch cb.State() {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
	default:
		t.Errorf("unexpected state: %v", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("CircuitState(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
