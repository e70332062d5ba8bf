package authlimit

import (
	"errors"
	"testing"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(DefaultConfig()).WithNow(clock.now), clock
}

func TestSlidingWindowScenario(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		if !l.CanAttempt("user@example.com") {
			t.Fatalf("attempt %d should be allowed", i)
		}
		l.RecordAttempt("user@example.com")
	}

	// Key normalization: different case and whitespace, same identity.
	if l.CanAttempt("USER@Example.com ") {
		t.Fatal("sixth attempt within the window must be blocked")
	}

	clock.advance(61 * time.Second)
	if got := l.AttemptsRemaining("user@example.com"); got != 5 {
		t.Fatalf("attemptsRemaining after window = %d, want 5", got)
	}
	if !l.CanAttempt("user@example.com") {
		t.Fatal("attempts must be allowed again after the window")
	}
}

func TestTimeUntilReset(t *testing.T) {
	l, clock := newTestLimiter(t)
	for i := 0; i < 5; i++ {
		l.RecordAttempt("k")
		clock.advance(time.Second)
	}
	// Oldest attempt was 5s ago; it ages out after 60s.
	if got := l.TimeUntilReset("k"); got != 55*time.Second {
		t.Fatalf("timeUntilReset = %s, want 55s", got)
	}
	l.RecordAttempt("other")
	if got := l.TimeUntilReset("other"); got != 0 {
		t.Fatalf("timeUntilReset with attempts remaining = %s, want 0", got)
	}
}

func TestCheckAuthRateLimitError(t *testing.T) {
	l, _ := newTestLimiter(t)
	if err := l.CheckAuthRateLimit("u"); err != nil {
		t.Fatalf("fresh key should pass: %v", err)
	}
	for i := 0; i < 5; i++ {
		l.RecordAttempt("u")
	}
	err := l.CheckAuthRateLimit("u")
	var arle *errs.AuthRateLimitError
	if !errors.As(err, &arle) {
		t.Fatalf("expected AuthRateLimitError, got %v", err)
	}
	if arle.Key != "u" || arle.AttemptsRemaining != 0 || arle.ResetAfterMs <= 0 {
		t.Fatalf("unexpected error fields: %+v", arle)
	}
}

func TestConfigureAndResets(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.Configure(Config{MaxAttempts: 2})
	l.RecordAttempt("a")
	l.RecordAttempt("a")
	if l.CanAttempt("a") {
		t.Fatal("configured limit of 2 ignored")
	}
	l.Reset("a")
	if !l.CanAttempt("a") {
		t.Fatal("reset key should be allowed")
	}
	l.RecordAttempt("b")
	l.RecordAttempt("b")
	l.ResetAll()
	if !l.CanAttempt("b") {
		t.Fatal("resetAll should clear every key")
	}
}
