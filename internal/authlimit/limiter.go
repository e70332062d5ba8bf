// Package authlimit guards login attempts with a sliding-window counter per
// account key, so a broken refresh loop cannot hammer the OAuth endpoint.
package authlimit

import (
	"strings"
	"time"
)

// Config controls the sliding window.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultConfig matches the shipped policy: 5 attempts per minute.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Window: 60 * time.Second}
}

// Limiter tracks recent attempts per normalized account key.
type Limiter struct {
	cfg      Config
	attempts map[string][]time.Time
	now      func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Configure replaces the policy at runtime. Existing attempt history keeps
// counting against the new limits.
func (l *Limiter) Configure(cfg Config) {
	if cfg.MaxAttempts > 0 {
		l.cfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Window > 0 {
		l.cfg.Window = cfg.Window
	}
}

// normalizeKey folds case and whitespace so "User@X.com" and "user@x.com "
// count as one identity.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (l *Limiter) recent(key string) []time.Time {
	cutoff := l.now().Add(-l.cfg.Window)
	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.attempts[key] = kept
	return kept
}

// CanAttempt reports whether another login attempt is allowed.
func (l *Limiter) CanAttempt(key string) bool {
	return len(l.recent(normalizeKey(key))) < l.cfg.MaxAttempts
}

// RecordAttempt counts one attempt now.
func (l *Limiter) RecordAttempt(key string) {
	k := normalizeKey(key)
	l.recent(k)
	l.attempts[k] = append(l.attempts[k], l.now())
}

// AttemptsRemaining returns how many attempts are left in the window.
func (l *Limiter) AttemptsRemaining(key string) int {
	remaining := l.cfg.MaxAttempts - len(l.recent(normalizeKey(key)))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeUntilReset returns how long until the oldest in-window attempt ages
// out. Zero when attempts remain.
func (l *Limiter) TimeUntilReset(key string) time.Duration {
	recent := l.recent(normalizeKey(key))
	if len(recent) < l.cfg.MaxAttempts {
		return 0
	}
	reset := recent[0].Add(l.cfg.Window).Sub(l.now())
	if reset < 0 {
		return 0
	}
	return reset
}

// Reset clears one key's history.
func (l *Limiter) Reset(key string) {
	delete(l.attempts, normalizeKey(key))
}

// ResetAll clears every key.
func (l *Limiter) ResetAll() {
	l.attempts = make(map[string][]time.Time)
}
