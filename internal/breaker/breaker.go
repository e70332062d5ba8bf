// Package breaker implements per-target three-state circuit breakers with a
// bounded registry.
package breaker

import (
	"fmt"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
)

// State is one of the three classic breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config exposes the breaker policy constants.
type Config struct {
	FailureThreshold    int
	FailureWindow       time.Duration
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// DefaultConfig matches the shipped policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		FailureWindow:       60 * time.Second,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// Breaker guards one target key.
type Breaker struct {
	target           string
	cfg              Config
	state            State
	failures         []time.Time
	lastStateChange  time.Time
	halfOpenAttempts int
	now              func() time.Time
}

// New creates a closed breaker for a target.
func New(target string, cfg Config) *Breaker {
	b := &Breaker{target: target, cfg: cfg, now: time.Now}
	b.lastStateChange = b.now()
	return b
}

// WithNow overrides the clock, for tests.
func (b *Breaker) WithNow(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State returns the current state without side effects.
func (b *Breaker) State() State { return b.state }

// CanExecute reports whether a call may proceed. An open breaker flips to
// half-open once the reset timeout has elapsed; half-open admits a bounded
// number of trial calls.
func (b *Breaker) CanExecute() error {
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenAttempts = 1
			return nil
		}
		return &errs.CircuitOpenError{
			Target:  b.target,
			Message: fmt.Sprintf("circuit for %s is open; retry after %s", b.target, b.cfg.ResetTimeout),
		}
	default: // half-open
		if b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			return nil
		}
		return &errs.CircuitOpenError{
			Target:  b.target,
			Message: fmt.Sprintf("circuit for %s is half-open and its trial slots are taken", b.target),
		}
	}
}

// Available is a side-effect-free usability check: it reports whether a
// CanExecute call right now would be admitted, without transitioning state
// or consuming a half-open trial slot.
func (b *Breaker) Available() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.lastStateChange) >= b.cfg.ResetTimeout
	default:
		return b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts
	}
}

// RecordSuccess closes a half-open breaker; in closed it only prunes stale
// failures.
func (b *Breaker) RecordSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed)
		b.failures = nil
		b.halfOpenAttempts = 0
	case StateClosed:
		b.prune()
	}
}

// RecordFailure counts a failure inside the sliding window and opens the
// breaker at the threshold. Any failure in half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	now := b.now()
	b.failures = append(b.failures, now)
	b.prune()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.halfOpenAttempts = 0
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.transition(StateClosed)
	b.failures = nil
	b.halfOpenAttempts = 0
}

func (b *Breaker) transition(next State) {
	if b.state != next {
		b.state = next
		b.lastStateChange = b.now()
	}
}

func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}
