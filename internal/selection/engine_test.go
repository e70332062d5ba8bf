package selection

import (
	"testing"
	"time"

	"github.com/pysugar/codex-nexus/internal/breaker"
	"github.com/pysugar/codex-nexus/internal/store"
	"github.com/pysugar/codex-nexus/internal/tracker"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) nowMs() int64   { return c.t.UnixMilli() }

func newTestEngine(t *testing.T, clock *fakeClock) (*Engine, *tracker.HealthTracker, *tracker.BucketTracker, *breaker.Registry) {
	t.Helper()
	health := tracker.NewHealthTracker(tracker.DefaultHealthConfig()).WithNow(clock.now)
	buckets := tracker.NewBucketTracker(tracker.DefaultBucketConfig()).WithNow(clock.now)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	eng := NewEngine(DefaultWeights(), health, buckets, breakers).WithNow(clock.nowMs)
	return eng, health, buckets, breakers
}

func testAccounts(clock *fakeClock) []store.Account {
	now := clock.nowMs()
	return []store.Account{
		{AccountID: "acc-a", Email: "a@example.com", RefreshToken: "rt-a", LastUsed: now},
		{AccountID: "acc-b", Email: "b@example.com", RefreshToken: "rt-b", LastUsed: now},
		{AccountID: "acc-c", Email: "c@example.com", RefreshToken: "rt-c", LastUsed: now},
	}
}

func TestSelectHybridEmptyPool(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)

	c, fallback := eng.SelectHybrid(nil, "codex", "")
	if c != nil || fallback {
		t.Fatalf("empty pool: got %v fallback=%v, want nil false", c, fallback)
	}
}

func TestSelectHybridPrefersHealthier(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, health, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)

	health.RecordRateLimit(0, "codex")
	health.RecordFailure(2, "codex")

	c, fallback := eng.SelectHybrid(accounts, "codex", "")
	if fallback {
		t.Fatal("unexpected fallback")
	}
	if c.Index != 1 {
		t.Fatalf("selected index %d, want 1", c.Index)
	}
}

func TestSelectHybridTieBreaksByLowerIndex(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)

	c, _ := eng.SelectHybrid(accounts, "codex", "")
	if c.Index != 0 {
		t.Fatalf("equal scores should pick index 0, got %d", c.Index)
	}
}

func TestSelectHybridPrefersLeastRecentlyUsed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)
	accounts[2].LastUsed = clock.nowMs() - 3*time.Hour.Milliseconds()

	c, _ := eng.SelectHybrid(accounts, "codex", "")
	if c.Index != 2 {
		t.Fatalf("selected index %d, want 2 (idle 3h)", c.Index)
	}
}

func TestSelectHybridSkipsRateLimitedAndCooling(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)
	now := clock.nowMs()
	accounts[0].RateLimitResetTimes = map[string]int64{"codex": now + 60_000}
	accounts[1].CoolingDownUntil = now + 60_000

	c, fallback := eng.SelectHybrid(accounts, "codex", "")
	if fallback {
		t.Fatal("unexpected fallback: account 2 is available")
	}
	if c.Index != 2 {
		t.Fatalf("selected index %d, want 2", c.Index)
	}
}

func TestSelectHybridExpiredResetIsAvailable(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)[:1]
	accounts[0].RateLimitResetTimes = map[string]int64{"codex": clock.nowMs() - 1}

	c, fallback := eng.SelectHybrid(accounts, "codex", "")
	if fallback || c == nil || c.Index != 0 {
		t.Fatalf("expired reset must not block selection: got %v fallback=%v", c, fallback)
	}
	// Expiry during selection is observed, never reaped: the snapshot maps
	// alias the pool's.
	if _, ok := accounts[0].RateLimitResetTimes["codex"]; !ok {
		t.Fatal("selection must not delete expired reset entries")
	}
}

func TestSelectHybridModelLimitIsolatedFromFamily(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)[:1]
	accounts[0].RateLimitResetTimes = map[string]int64{"codex:gpt-5": clock.nowMs() + 60_000}

	if eng.IsAvailable(&accounts[0], "codex", "gpt-5") {
		t.Fatal("model-level limit must block that model")
	}
	if !eng.IsAvailable(&accounts[0], "codex", "gpt-5-mini") {
		t.Fatal("sibling model must be unaffected")
	}
	if !eng.IsAvailable(&accounts[0], "codex", "") {
		t.Fatal("family-only request must be unaffected by a model limit")
	}
}

func TestSelectHybridFamilyLimitBlocksAllModels(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)[:1]
	accounts[0].RateLimitResetTimes = map[string]int64{"codex": clock.nowMs() + 60_000}

	if eng.IsAvailable(&accounts[0], "codex", "gpt-5") {
		t.Fatal("family-level limit must block every model in the family")
	}
}

func TestSelectHybridLRUFallback(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)
	now := clock.nowMs()
	for i := range accounts {
		accounts[i].RateLimitResetTimes = map[string]int64{"codex": now + 60_000}
	}
	accounts[1].LastUsed = now - 2*time.Hour.Milliseconds()

	c, fallback := eng.SelectHybrid(accounts, "codex", "")
	if !fallback {
		t.Fatal("all limited: want fallback signal")
	}
	if c.Index != 1 {
		t.Fatalf("fallback should pick least recently used, got %d", c.Index)
	}
}

func TestSelectHybridSkipsOpenBreaker(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, _, _, breakers := newTestEngine(t, clock)
	accounts := testAccounts(clock)

	b := breakers.Get(BreakerKey(&accounts[0])).WithNow(clock.now)
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("breaker state %v, want open", b.State())
	}

	c, fallback := eng.SelectHybrid(accounts, "codex", "")
	if fallback || c.Index == 0 {
		t.Fatalf("open breaker must be skipped, got index %d fallback=%v", c.Index, fallback)
	}
}

func TestTopCandidatesOrderedAndBounded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, health, _, _ := newTestEngine(t, clock)
	accounts := testAccounts(clock)

	health.RecordFailure(0, "codex")
	health.RecordRateLimit(1, "codex")

	top := eng.TopCandidates(accounts, "codex", "", 2)
	if len(top) != 2 {
		t.Fatalf("got %d candidates, want 2", len(top))
	}
	if top[0].Index != 2 || top[1].Index != 0 {
		t.Fatalf("got order %d,%d, want 2,0", top[0].Index, top[1].Index)
	}
	if top[0].Score < top[1].Score {
		t.Fatal("candidates must be sorted by descending score")
	}
}

func TestTopCandidatesIsPure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	eng, health, buckets, breakers := newTestEngine(t, clock)
	accounts := testAccounts(clock)

	health.RecordFailure(0, "codex")
	buckets.TryConsume(1, "codex")
	before := []float64{
		health.PeekScore(0, "codex"),
		float64(buckets.PeekTokens(1, "codex")),
	}
	breakersBefore := breakers.Len()

	for i := 0; i < 5; i++ {
		eng.TopCandidates(accounts, "codex", "", 3)
		eng.SelectHybrid(accounts, "codex", "")
	}

	if got := health.PeekScore(0, "codex"); got != before[0] {
		t.Fatalf("selection mutated health: %v -> %v", before[0], got)
	}
	if got := float64(buckets.PeekTokens(1, "codex")); got != before[1] {
		t.Fatalf("selection mutated bucket: %v -> %v", before[1], got)
	}
	if breakers.Len() != breakersBefore {
		t.Fatalf("selection created breakers: %d -> %d", breakersBefore, breakers.Len())
	}
}
