// Package selection picks the best currently-usable account for a request
// and races top candidates in parallel.
package selection

import (
	"sort"
	"time"

	"github.com/pysugar/codex-nexus/internal/breaker"
	"github.com/pysugar/codex-nexus/internal/logging"
	"github.com/pysugar/codex-nexus/internal/pool"
	"github.com/pysugar/codex-nexus/internal/store"
	"github.com/pysugar/codex-nexus/internal/tracker"
)

// Weights are the hybrid scoring policy constants.
type Weights struct {
	Health  float64
	Tokens  float64
	Recency float64
}

// DefaultWeights matches the shipped policy: 2·health + 5·tokens +
// 2.0·hoursSinceLastUsed.
func DefaultWeights() Weights {
	return Weights{Health: 2, Tokens: 5, Recency: 2.0}
}

// Candidate is one scored account.
type Candidate struct {
	Index   int
	Account store.Account
	Score   float64
}

// Engine composes the trackers and the breaker registry into a scorer.
type Engine struct {
	weights  Weights
	health   *tracker.HealthTracker
	buckets  *tracker.BucketTracker
	breakers *breaker.Registry
	nowMs    func() int64
	log      *logging.Logger
}

func NewEngine(weights Weights, health *tracker.HealthTracker, buckets *tracker.BucketTracker, breakers *breaker.Registry) *Engine {
	return &Engine{
		weights:  weights,
		health:   health,
		buckets:  buckets,
		breakers: breakers,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		log:      logging.New("selection"),
	}
}

// WithNow overrides the clock, for tests.
func (e *Engine) WithNow(nowMs func() int64) *Engine {
	e.nowMs = nowMs
	return e
}

// isRateLimited checks the model-level key when a model is pinned, and
// always the family key: a family-level limit disables all of its models.
func (e *Engine) isRateLimited(acc *store.Account, family, model string) bool {
	now := e.nowMs()
	if model != "" {
		if reset, ok := acc.RateLimitResetTimes[pool.QuotaKey(family, model)]; ok && reset > now {
			return true
		}
	}
	if reset, ok := acc.RateLimitResetTimes[family]; ok && reset > now {
		return true
	}
	return false
}

func (e *Engine) isCoolingDown(acc *store.Account) bool {
	return acc.CoolingDownUntil > e.nowMs()
}

// IsAvailable reports whether an account can serve the quota key right now.
func (e *Engine) IsAvailable(acc *store.Account, family, model string) bool {
	return !e.isRateLimited(acc, family, model) && !e.isCoolingDown(acc)
}

// breakerAdmits is the side-effect-free breaker gate used while ranking.
func (e *Engine) breakerAdmits(acc *store.Account) bool {
	if e.breakers == nil {
		return true
	}
	b, ok := e.breakers.Peek(BreakerKey(acc))
	if !ok {
		return true
	}
	return b.Available()
}

// BreakerKey is the per-account breaker target.
func BreakerKey(acc *store.Account) string {
	return "account:" + acc.Key()
}

func (e *Engine) score(idx int, acc *store.Account, quota string) float64 {
	health := e.health.PeekScore(idx, quota)
	tokens := float64(e.buckets.PeekTokens(idx, quota))
	hours := float64(e.nowMs()-acc.LastUsed) / float64(time.Hour.Milliseconds())
	if hours < 0 {
		hours = 0
	}
	return e.weights.Health*health + e.weights.Tokens*tokens + e.weights.Recency*hours
}

// rank scores the available accounts, descending, ties broken by lower
// index. It never mutates tracker state.
func (e *Engine) rank(snapshot []store.Account, family, model string) []Candidate {
	quota := pool.QuotaKey(family, model)
	candidates := make([]Candidate, 0, len(snapshot))
	for i := range snapshot {
		acc := &snapshot[i]
		if !e.IsAvailable(acc, family, model) {
			continue
		}
		if !e.breakerAdmits(acc) {
			e.log.Debug("breaker refused candidate", map[string]any{"index": i})
			continue
		}
		candidates = append(candidates, Candidate{Index: i, Account: *acc, Score: e.score(i, acc, quota)})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		return candidates[a].Index < candidates[b].Index
	})
	return candidates
}

// SelectHybrid picks the single best available account. With an empty pool
// it returns nil. With no available account it returns the least-recently-
// used one and fallback=true: a selection signal only, the caller stays
// responsible for refusing the request.
func (e *Engine) SelectHybrid(snapshot []store.Account, family, model string) (*Candidate, bool) {
	if len(snapshot) == 0 {
		return nil, false
	}
	ranked := e.rank(snapshot, family, model)
	if len(ranked) > 0 {
		c := ranked[0]
		return &c, false
	}

	lru := 0
	for i := range snapshot {
		if snapshot[i].LastUsed < snapshot[lru].LastUsed {
			lru = i
		}
	}
	e.log.Debug("no available account; falling back to LRU", map[string]any{"index": lru})
	return &Candidate{Index: lru, Account: snapshot[lru], Score: 0}, true
}

// TopCandidates returns the best n available accounts for parallel probing.
// Pure: tracker and breaker state are only peeked.
func (e *Engine) TopCandidates(snapshot []store.Account, family, model string, n int) []Candidate {
	ranked := e.rank(snapshot, family, model)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
