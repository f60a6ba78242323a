// Package resilience protects the relay's upstream calls.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Chain] orders several instances of one provider type, each behind its own
// breaker, and serves every call from the first healthy link. [LLMChain]
// applies a Chain to [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successful probes close the breaker; any failure re-opens it.
	StateHalfOpen
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

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default 3.
	HalfOpenMax int

	// IsFailure classifies call errors. The default counts every non-nil
	// error except context.Canceled.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// TransientFailure is an IsFailure classifier that ignores errors reporting
// Retryable() == false, such as a request the backend rejected as invalid.
// Other errors count as by default.
func TransientFailure(err error) bool {
	if !defaultIsFailure(err) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probes        int
	probeFailures int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker is open. fn's error is returned
// unchanged.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	var changed []transition
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = append(changed, b.transition(StateHalfOpen))
		b.probes = 0
		b.probeFailures = 0
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()
	b.notify(changed)

	err := fn()

	b.mu.Lock()
	if b.cfg.IsFailure(err) {
		changed = []transition{b.recordFailure(probing)}
	} else {
		changed = []transition{b.recordSuccess(probing)}
	}
	b.mu.Unlock()
	b.notify(changed)
	return err
}

type transition struct{ from, to State }

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	return t
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) transition {
	b.lastFailure = time.Now()
	if probing {
		b.probeFailures++
		b.failures = b.cfg.MaxFailures
		slog.Warn("resilience: breaker re-opened from half-open", "name", b.cfg.Name)
		return b.transition(StateOpen)
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures && b.state == StateClosed {
		slog.Warn("resilience: breaker opened",
			"name", b.cfg.Name,
			"consecutive_failures", b.failures)
		return b.transition(StateOpen)
	}
	return transition{from: b.state, to: b.state}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) transition {
	if !probing {
		b.failures = 0
		return transition{from: b.state, to: b.state}
	}
	if b.state == StateHalfOpen && b.probes-b.probeFailures >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.probes = 0
		b.probeFailures = 0
		slog.Info("resilience: breaker closed after successful probes", "name", b.cfg.Name)
		return b.transition(StateClosed)
	}
	return transition{from: b.state, to: b.state}
}

func (b *Breaker) notify(ts []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		if t.from != t.to {
			b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.transition(StateClosed)
	b.failures = 0
	b.probes = 0
	b.probeFailures = 0
	b.mu.Unlock()
	slog.Info("resilience: breaker reset", "name", b.cfg.Name)
	b.notify([]transition{t})
}
