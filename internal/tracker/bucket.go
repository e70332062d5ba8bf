package tracker

import "time"

// BucketConfig exposes the leaky-bucket policy constants.
type BucketConfig struct {
	MaxTokens       float64
	TokensPerMinute float64
	RefundWindow    time.Duration
}

// DefaultBucketConfig matches the shipped policy.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		MaxTokens:       10,
		TokensPerMinute: 6,
		RefundWindow:    30 * time.Second,
	}
}

type consumption struct {
	at    time.Time
	count int
}

type bucketRecord struct {
	tokens       float64
	lastRefill   time.Time
	consumptions []consumption
}

// BucketTracker keeps one refilling token bucket per (account, quota-key).
// A recently consumed token can be refunded within the refund window, which
// keeps a failed probe from burning budget.
type BucketTracker struct {
	cfg     BucketConfig
	records map[key]*bucketRecord
	now     func() time.Time
}

func NewBucketTracker(cfg BucketConfig) *BucketTracker {
	return &BucketTracker{
		cfg:     cfg,
		records: make(map[key]*bucketRecord),
		now:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (b *BucketTracker) WithNow(now func() time.Time) *BucketTracker {
	b.now = now
	return b
}

func (b *BucketTracker) record(idx int, quota string) *bucketRecord {
	k := key{idx, quota}
	rec, ok := b.records[k]
	if !ok {
		rec = &bucketRecord{tokens: b.cfg.MaxTokens, lastRefill: b.now()}
		b.records[k] = rec
	}
	return rec
}

func (b *BucketTracker) refill(rec *bucketRecord) {
	now := b.now()
	minutes := now.Sub(rec.lastRefill).Minutes()
	if minutes > 0 {
		rec.tokens = min(rec.tokens+minutes*b.cfg.TokensPerMinute, b.cfg.MaxTokens)
	}
	rec.lastRefill = now
}

// GetTokens returns the integer floor of the current level. Fresh slots are
// full.
func (b *BucketTracker) GetTokens(idx int, quota string) int {
	rec := b.record(idx, quota)
	b.refill(rec)
	return int(rec.tokens)
}

// PeekTokens computes the refilled level without touching stored state,
// for callers that must stay side-effect free.
func (b *BucketTracker) PeekTokens(idx int, quota string) int {
	rec, ok := b.records[key{idx, quota}]
	if !ok {
		return int(b.cfg.MaxTokens)
	}
	minutes := b.now().Sub(rec.lastRefill).Minutes()
	if minutes <= 0 {
		return int(rec.tokens)
	}
	return int(min(rec.tokens+minutes*b.cfg.TokensPerMinute, b.cfg.MaxTokens))
}

// TryConsume takes one token when available. Tokens never go negative.
func (b *BucketTracker) TryConsume(idx int, quota string) bool {
	rec := b.record(idx, quota)
	b.refill(rec)
	if rec.tokens < 1 {
		return false
	}
	rec.tokens--
	rec.consumptions = append(rec.consumptions, consumption{at: b.now(), count: 1})
	return true
}

// RefundToken returns at most one token consumed within the refund window.
func (b *BucketTracker) RefundToken(idx int, quota string) bool {
	rec := b.record(idx, quota)
	cutoff := b.now().Add(-b.cfg.RefundWindow)
	for i := len(rec.consumptions) - 1; i >= 0; i-- {
		if !rec.consumptions[i].at.Before(cutoff) {
			rec.consumptions = append(rec.consumptions[:i], rec.consumptions[i+1:]...)
			rec.tokens = min(rec.tokens+1, b.cfg.MaxTokens)
			return true
		}
	}
	return false
}

// Drain subtracts n tokens, clamping at zero. A fresh slot starts full.
func (b *BucketTracker) Drain(idx int, quota string, n float64) {
	rec := b.record(idx, quota)
	b.refill(rec)
	rec.tokens -= n
	if rec.tokens < 0 {
		rec.tokens = 0
	}
}

// Reset restores one slot to a full bucket.
func (b *BucketTracker) Reset(idx int, quota string) {
	delete(b.records, key{idx, quota})
}

// Clear drops all state.
func (b *BucketTracker) Clear() {
	b.records = make(map[key]*bucketRecord)
}
