package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hybridcmd/core/internal/corerr"
	"github.com/hybridcmd/core/internal/domain"
)

func TestCircuitBreaker_ConsecutiveFailuresTripsThenRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trip = TripConsecutiveFailures
	cfg.Recovery = RecoveryTimeBased
	cfg.ConsecutiveMax = 3
	cfg.RecoveryTimeout = 50 * time.Millisecond
	cfg.HalfOpenRequests = 2

	cb := New("test", cfg, nil, nil)
	ctx := context.Background()

	if cb.State() != domain.CircuitClosed {
		t.Fatal("expected circuit to start closed")
	}

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
		if err == nil {
			t.Errorf("expected failure %d to surface", i)
		}
	}

	if cb.State() != domain.CircuitOpen {
		t.Fatalf("expected circuit to open after %d consecutive failures, got %s", cfg.ConsecutiveMax, cb.State())
	}

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	if corerr.KindOf(err) != corerr.KindCircuitOpen {
		t.Errorf("expected CircuitOpen error while open, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	for i := 0; i < cfg.HalfOpenRequests; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
			t.Errorf("expected half-open success %d to pass through, got %v", i, err)
		}
	}

	if cb.State() != domain.CircuitClosed {
		t.Errorf("expected circuit to close after %d half-open successes, got %s", cfg.HalfOpenRequests, cb.State())
	}
}

func TestCircuitBreaker_FailureRateRequiresMinimumRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trip = TripFailureRate
	cfg.FailureThreshold = 0.5
	cfg.MinimumRequests = 10

	cb := New("test", cfg, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	}

	if cb.State() != domain.CircuitClosed {
		t.Error("expected circuit to stay closed below minimumRequests regardless of failure rate")
	}
}

func TestCircuitBreaker_FailureRateTripsOncePastMinimum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trip = TripFailureRate
	cfg.FailureThreshold = 0.5
	cfg.MinimumRequests = 4

	cb := New("test", cfg, nil, nil)
	ctx := context.Background()

	cb.Execute(ctx, func(context.Context) error { return nil })
	cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })

	if cb.State() != domain.CircuitOpen {
		t.Fatalf("expected 3/4 failures to exceed a 0.5 threshold and trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trip = TripConsecutiveFailures
	cfg.ConsecutiveMax = 1
	cfg.RecoveryTimeout = 20 * time.Millisecond

	cb := New("test", cfg, nil, nil)
	ctx := context.Background()

	cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	if cb.State() != domain.CircuitOpen {
		t.Fatal("expected circuit to open")
	}

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(ctx, func(context.Context) error { return errors.New("still broken") })
	if err == nil {
		t.Fatal("expected the half-open probe's failure to surface")
	}
	if cb.State() != domain.CircuitOpen {
		t.Errorf("expected a half-open failure to reopen the circuit immediately, got %s", cb.State())
	}
}

func TestCircuitBreaker_ManualOverrides(t *testing.T) {
	cb := New("test", DefaultConfig(), nil, nil)

	cb.Trip("operator requested")
	if cb.State() != domain.CircuitOpen {
		t.Fatal("expected manual Trip to open the circuit")
	}

	cb.HalfOpen("operator requested")
	if cb.State() != domain.CircuitHalfOpen {
		t.Fatal("expected manual HalfOpen to transition directly")
	}

	cb.Reset("operator requested")
	if cb.State() != domain.CircuitClosed {
		t.Fatal("expected manual Reset to close the circuit")
	}

	history := cb.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(history))
	}
}

func TestCircuitBreaker_PanicIsTreatedAsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trip = TripConsecutiveFailures
	cfg.ConsecutiveMax = 1
	cb := New("test", cfg, nil, nil)
	ctx := context.Background()

	err := cb.Execute(ctx, func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	if cb.State() != domain.CircuitOpen {
		t.Errorf("expected panic to count as a failure and trip the circuit, got %s", cb.State())
	}
}

func TestRegistry_CapsAtMaxCircuits(t *testing.T) {
	reg := NewRegistry(2, nil, nil)

	if _, err := reg.GetOrCreate("a", DefaultConfig()); err != nil {
		t.Fatalf("unexpected error creating first circuit: %v", err)
	}
	if _, err := reg.GetOrCreate("b", DefaultConfig()); err != nil {
		t.Fatalf("unexpected error creating second circuit: %v", err)
	}
	if _, err := reg.GetOrCreate("c", DefaultConfig()); err == nil {
		t.Fatal("expected a third circuit to exceed maxCircuits")
	}

	// Re-fetching an existing name must not count against capacity.
	if _, err := reg.GetOrCreate("a", DefaultConfig()); err != nil {
		t.Fatalf("expected re-fetching an existing circuit to succeed: %v", err)
	}
}
