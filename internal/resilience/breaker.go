// Package resilience guards calls to remote services with a circuit breaker.
//
// A [Breaker] moves closed → open after consecutive failures, rejects calls
// with [ErrOpen] until its cool-down elapses, then lets a single probe
// through (half-open). A successful probe closes it again; a failed one
// re-opens it for another cool-down.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lower-case state name.
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

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// IsFailure decides which errors count against the breaker. Default:
	// every non-nil error except context cancellation.
	IsFailure func(error) bool
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	isFailure   func(error) bool
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		isFailure:   cfg.IsFailure,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. The returned error is fn's error,
// or one wrapping [ErrOpen] when fn was not called.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.report(probe, b.isFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is the probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.state = StateHalfOpen
		slog.Info("circuit half-open, probing", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%w: %s (probe in flight)", ErrOpen, b.name)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) report(probe, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if failed {
			b.trip()
			return
		}
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit closed", "name", b.name)
		return
	}
	if b.state != StateClosed {
		return
	}
	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures, "cooldown", b.cooldown)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Ready reports an error while the breaker is open. It fits
// health.Checker.Check.
func (b *Breaker) Ready(context.Context) error {
	if s := b.State(); s == StateOpen {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	return nil
}
