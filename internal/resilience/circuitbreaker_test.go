package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/voxsub/voxsub/internal/resilience"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: 3})

	for range 3 {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped failure, got %v", err)
		}
	}
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("open breaker executed the call: %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: 3})

	for range 10 {
		b.Execute(func() error { return errBoom })
		b.Execute(func() error { return nil })
	}
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerRecoversThroughProbes(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		MaxFailures: 1,
		CoolDown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})

	b.Execute(func() error { return errBoom })
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != resilience.HalfOpen {
		t.Fatalf("state after cool-down = %v, want half-open", got)
	}

	for range 2 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe rejected: %v", err)
		}
	}
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("state after probes = %v, want closed", got)
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		MaxFailures: 1,
		CoolDown:    10 * time.Millisecond,
	})

	b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe not executed: %v", err)
	}
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state after failed probe = %v, want open", got)
	}
}

func TestResetClosesBreaker(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: 1})
	b.Execute(func() error { return errBoom })
	b.Reset()
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
}
