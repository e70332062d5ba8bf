package authlimit

import "github.com/pysugar/codex-nexus/internal/errs"

// CheckAuthRateLimit returns an AuthRateLimitError when no attempt is
// allowed for the key right now.
func (l *Limiter) CheckAuthRateLimit(key string) error {
	if l.CanAttempt(key) {
		return nil
	}
	return &errs.AuthRateLimitError{
		Key:               normalizeKey(key),
		AttemptsRemaining: l.AttemptsRemaining(key),
		ResetAfterMs:      l.TimeUntilReset(key).Milliseconds(),
	}
}
