// Package resilience provides the circuit breaker guarding optional
// downstream collaborators. Caption post-processing and archival must fail
// independently without corrupting segmentation state, so their backends are
// wrapped in a classic three-state breaker (closed → open → half-open) that
// converts a flapping dependency into a fast, clean skip.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open and the
// cool-down has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls immediately with [ErrOpen] until the cool-down
	// elapses.
	Open

	// HalfOpen lets a limited number of probe calls through; success closes
	// the breaker, any failure re-opens it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero-value fields take
// the defaults noted per field.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing again.
	// Default 30s.
	CoolDown time.Duration

	// ProbeBudget is how many half-open calls may run before the breaker
	// decides. Default 3.
	ProbeBudget int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	probeBudget int
	log         *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probeBudget: cfg.ProbeBudget,
		log:         slog.Default().With("breaker", cfg.Name),
	}
}

// Execute runs fn if the breaker allows it, feeding the outcome back into
// the failure accounting. In the open state fn is not called and [ErrOpen]
// is returned.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.coolDown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		b.log.Info("circuit breaker probing")
	case HalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.maxFailures
		b.log.Warn("circuit breaker re-opened after failed probe")
		return
	}
	b.failures++
	if b.failures >= b.maxFailures && b.state == Closed {
		b.state = Open
		b.log.Warn("circuit breaker opened", "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeBudget {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit breaker closed after successful probes")
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose cool-down
// has elapsed reports HalfOpen; the actual transition happens on the next
// Execute call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.coolDown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
