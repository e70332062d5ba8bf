package tracker

import (
	"math"
	"strings"
	"time"
)

// RateLimitReason classifies why the upstream said 429.
type RateLimitReason string

const (
	ReasonQuota      RateLimitReason = "quota"
	ReasonTokens     RateLimitReason = "tokens"
	ReasonConcurrent RateLimitReason = "concurrent"
	ReasonUnknown    RateLimitReason = "unknown"
)

// ParseRateLimitReason maps an upstream error code to a reason.
func ParseRateLimitReason(code string) RateLimitReason {
	c := strings.ToLower(code)
	switch {
	case strings.Contains(c, "quota") || strings.Contains(c, "usage_limit"):
		return ReasonQuota
	case strings.Contains(c, "token") || strings.Contains(c, "tpm") || strings.Contains(c, "rpm"):
		return ReasonTokens
	case strings.Contains(c, "concurrent") || strings.Contains(c, "parallel"):
		return ReasonConcurrent
	default:
		return ReasonUnknown
	}
}

// reasonMultiplier weights the exponential delay: hard quota exhaustion
// backs off much longer than a concurrency collision.
func reasonMultiplier(reason RateLimitReason) float64 {
	switch reason {
	case ReasonQuota:
		return 3.0
	case ReasonTokens:
		return 1.5
	case ReasonConcurrent:
		return 0.5
	default:
		return 1.0
	}
}

// BackoffConfig exposes the 429 backoff policy constants.
type BackoffConfig struct {
	DedupWindow   time.Duration
	QuietPeriod   time.Duration
	FallbackDelay time.Duration
	MaxDelay      time.Duration
}

// DefaultBackoffConfig matches the shipped policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		DedupWindow:   2 * time.Second,
		QuietPeriod:   120 * time.Second,
		FallbackDelay: time.Second,
		MaxDelay:      5 * time.Minute,
	}
}

type backoffRecord struct {
	attempt int
	firstAt time.Time
	lastAt  time.Time
}

// Backoff is the per-slot decision for one 429.
type Backoff struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// BackoffTracker escalates per-(account, quota-key) retry delays across
// consecutive rate limits, deduplicating bursts and resetting after quiet
// periods.
type BackoffTracker struct {
	cfg     BackoffConfig
	records map[key]*backoffRecord
	now     func() time.Time
}

func NewBackoffTracker(cfg BackoffConfig) *BackoffTracker {
	return &BackoffTracker{
		cfg:     cfg,
		records: make(map[key]*backoffRecord),
		now:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (t *BackoffTracker) WithNow(now func() time.Time) *BackoffTracker {
	t.now = now
	return t
}

// GetRateLimitBackoff registers one 429 and returns the delay to wait.
// retryAfterMs is the server-provided hint; non-finite or non-positive
// values fall back to the default base delay.
func (t *BackoffTracker) GetRateLimitBackoff(idx int, quota string, retryAfterMs float64, reason RateLimitReason) Backoff {
	now := t.now()
	k := key{idx, quota}
	rec, ok := t.records[k]

	switch {
	case !ok:
		rec = &backoffRecord{attempt: 1, firstAt: now, lastAt: now}
		t.records[k] = rec
	case now.Sub(rec.lastAt) < t.cfg.DedupWindow:
		// Burst duplicate: same attempt, same delay, no escalation. The
		// record is left untouched so the window anchors on the original 429.
		return Backoff{Attempt: rec.attempt, DelayMs: t.delayMs(rec.attempt, retryAfterMs, reason), IsDuplicate: true}
	case now.Sub(rec.lastAt) >= t.cfg.QuietPeriod:
		rec.attempt = 1
		rec.firstAt = now
		rec.lastAt = now
	default:
		rec.attempt++
		rec.lastAt = now
	}

	return Backoff{Attempt: rec.attempt, DelayMs: t.delayMs(rec.attempt, retryAfterMs, reason)}
}

func (t *BackoffTracker) delayMs(attempt int, retryAfterMs float64, reason RateLimitReason) int64 {
	base := retryAfterMs
	if math.IsNaN(base) || math.IsInf(base, 0) || base <= 0 {
		base = float64(t.cfg.FallbackDelay.Milliseconds())
	}
	delay := base * math.Pow(2, float64(attempt-1)) * reasonMultiplier(reason)
	if limit := float64(t.cfg.MaxDelay.Milliseconds()); delay > limit {
		delay = limit
	}
	return int64(delay)
}

// Reset forgets one slot.
func (t *BackoffTracker) Reset(idx int, quota string) {
	delete(t.records, key{idx, quota})
}

// Clear drops all state.
func (t *BackoffTracker) Clear() {
	t.records = make(map[key]*backoffRecord)
}
