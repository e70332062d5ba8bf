// Package tracker holds the in-memory per-(account, quota-key) state the
// selection engine scores with: health, token buckets and 429 backoff.
// Trackers never raise errors and never touch disk; they are safe from a
// single goroutine only.
package tracker

import "time"

// key identifies one (account index, quota key) slot. Distinct quota keys
// are strictly isolated.
type key struct {
	idx   int
	quota string
}

// HealthConfig exposes the scoring policy constants.
type HealthConfig struct {
	MinScore               float64
	MaxScore               float64
	SuccessDelta           float64
	RateLimitDelta         float64
	FailureDelta           float64
	PassiveRecoveryPerHour float64
}

// DefaultHealthConfig matches the shipped policy.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		MinScore:               0,
		MaxScore:               100,
		SuccessDelta:           5,
		RateLimitDelta:         -20,
		FailureDelta:           -10,
		PassiveRecoveryPerHour: 5,
	}
}

type healthRecord struct {
	score               float64
	consecutiveFailures int
	lastUpdate          time.Time
}

// HealthTracker keeps a score in [MinScore, MaxScore] per slot, recovering
// passively toward MaxScore over time.
type HealthTracker struct {
	cfg     HealthConfig
	records map[key]*healthRecord
	now     func() time.Time
}

func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{
		cfg:     cfg,
		records: make(map[key]*healthRecord),
		now:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (h *HealthTracker) WithNow(now func() time.Time) *HealthTracker {
	h.now = now
	return h
}

func (h *HealthTracker) record(idx int, quota string) *healthRecord {
	k := key{idx, quota}
	rec, ok := h.records[k]
	if !ok {
		rec = &healthRecord{score: h.cfg.MaxScore, lastUpdate: h.now()}
		h.records[k] = rec
	}
	return rec
}

// recover applies passive recovery since lastUpdate and stamps the record.
func (h *HealthTracker) recover(rec *healthRecord) {
	now := h.now()
	hours := now.Sub(rec.lastUpdate).Hours()
	if hours > 0 {
		rec.score = clamp(rec.score+h.cfg.PassiveRecoveryPerHour*hours, h.cfg.MinScore, h.cfg.MaxScore)
	}
	rec.lastUpdate = now
}

// GetScore returns the current score after passive recovery. A fresh slot
// scores MaxScore.
func (h *HealthTracker) GetScore(idx int, quota string) float64 {
	rec := h.record(idx, quota)
	h.recover(rec)
	return rec.score
}

// PeekScore computes the recovered score without touching stored state,
// for callers that must stay side-effect free.
func (h *HealthTracker) PeekScore(idx int, quota string) float64 {
	rec, ok := h.records[key{idx, quota}]
	if !ok {
		return h.cfg.MaxScore
	}
	hours := h.now().Sub(rec.lastUpdate).Hours()
	if hours <= 0 {
		return rec.score
	}
	return clamp(rec.score+h.cfg.PassiveRecoveryPerHour*hours, h.cfg.MinScore, h.cfg.MaxScore)
}

// RecordSuccess raises the score and clears the failure streak.
func (h *HealthTracker) RecordSuccess(idx int, quota string) {
	rec := h.record(idx, quota)
	h.recover(rec)
	rec.score = clamp(rec.score+h.cfg.SuccessDelta, h.cfg.MinScore, h.cfg.MaxScore)
	rec.consecutiveFailures = 0
}

// RecordRateLimit applies the heavier 429 penalty.
func (h *HealthTracker) RecordRateLimit(idx int, quota string) {
	rec := h.record(idx, quota)
	h.recover(rec)
	rec.score = clamp(rec.score+h.cfg.RateLimitDelta, h.cfg.MinScore, h.cfg.MaxScore)
	rec.consecutiveFailures++
}

// RecordFailure applies the generic failure penalty.
func (h *HealthTracker) RecordFailure(idx int, quota string) {
	rec := h.record(idx, quota)
	h.recover(rec)
	rec.score = clamp(rec.score+h.cfg.FailureDelta, h.cfg.MinScore, h.cfg.MaxScore)
	rec.consecutiveFailures++
}

// GetConsecutiveFailures returns the current failure streak.
func (h *HealthTracker) GetConsecutiveFailures(idx int, quota string) int {
	return h.record(idx, quota).consecutiveFailures
}

// Reset restores one slot to its defaults.
func (h *HealthTracker) Reset(idx int, quota string) {
	delete(h.records, key{idx, quota})
}

// Clear drops all state.
func (h *HealthTracker) Clear() {
	h.records = make(map[key]*healthRecord)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
