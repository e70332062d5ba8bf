// Package manager wires the coordination core together: the durable pool,
// the in-memory trackers, the selection engine, circuit breakers and the
// OAuth collaborators, behind one mutex so the single-goroutine pieces stay
// correct under concurrent callers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pysugar/codex-nexus/internal/authlimit"
	"github.com/pysugar/codex-nexus/internal/breaker"
	"github.com/pysugar/codex-nexus/internal/config"
	"github.com/pysugar/codex-nexus/internal/errs"
	"github.com/pysugar/codex-nexus/internal/logging"
	"github.com/pysugar/codex-nexus/internal/oauth"
	"github.com/pysugar/codex-nexus/internal/pool"
	"github.com/pysugar/codex-nexus/internal/reqlog"
	"github.com/pysugar/codex-nexus/internal/selection"
	"github.com/pysugar/codex-nexus/internal/store"
	"github.com/pysugar/codex-nexus/internal/tracker"
	"github.com/pysugar/codex-nexus/internal/upstream"
)

// probeParallelism is how many top candidates race during acquisition.
const probeParallelism = 3

// auditRetention is how long request log rows are kept.
const auditRetention = 30 * 24 * time.Hour

// Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg      config.Config
	st       *store.Store
	pool     *pool.Pool
	health   *tracker.HealthTracker
	buckets  *tracker.BucketTracker
	backoff  *tracker.BackoffTracker
	breakers *breaker.Registry
	engine   *selection.Engine
	authLim  *authlimit.Limiter

	refresher *oauth.Refresher
	probe     *upstream.ProbeClient
	audit     *reqlog.Log
	log       *logging.Logger
	nowMs     func() int64

	// fresh access tokens keyed by account key; never persisted
	tokens map[string]oauth.Credentials
}

// New builds a manager from config, loading the pool from disk.
func New(cfg config.Config) (*Manager, error) {
	path := cfg.StoragePath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		resolved, err := store.ResolveStoragePath(cwd)
		if err != nil {
			return nil, err
		}
		path = resolved
	} else {
		expanded, err := store.ExpandPath(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}

	st := store.New(path, cfg.Families).WithMaxAccounts(cfg.MaxAccounts)
	health := tracker.NewHealthTracker(cfg.HealthConfig())
	buckets := tracker.NewBucketTracker(cfg.BucketConfig())
	breakers := breaker.NewRegistry(cfg.BreakerConfig())

	var audit *reqlog.Log
	if cfg.RequestLogging || reqlog.Enabled() {
		var err error
		audit, err = reqlog.Open(filepath.Join(filepath.Dir(path), "requests.db"))
		if err != nil {
			return nil, fmt.Errorf("open request log: %w", err)
		}
		cutoff := time.Now().Add(-auditRetention).UnixMilli()
		if _, err := audit.Prune(cutoff); err != nil {
			logging.New("manager").Warn("failed to prune request log", map[string]any{"error": err.Error()})
		}
	}

	return &Manager{
		cfg:       cfg,
		st:        st,
		pool:      pool.Load(st),
		health:    health,
		buckets:   buckets,
		backoff:   tracker.NewBackoffTracker(tracker.DefaultBackoffConfig()),
		breakers:  breakers,
		engine:    selection.NewEngine(cfg.SelectionWeights(), health, buckets, breakers),
		authLim:   authlimit.New(cfg.AuthLimitConfig()),
		refresher: oauth.NewRefresher(),
		probe:     upstream.NewProbeClient(),
		audit:     audit,
		log:       logging.New("manager"),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
		tokens:    map[string]oauth.Credentials{},
	}, nil
}

// WithNow overrides the clock on the manager and every tracker, for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.nowMs = func() int64 { return now().UnixMilli() }
	m.health.WithNow(now)
	m.buckets.WithNow(now)
	m.backoff.WithNow(now)
	m.authLim.WithNow(now)
	m.pool.WithNow(m.nowMs)
	m.engine.WithNow(m.nowMs)
	return m
}

// WithEndpoints overrides the OAuth token endpoint and the probe base URL,
// for tests.
func (m *Manager) WithEndpoints(tokenURL, probeBaseURL string) *Manager {
	m.refresher.WithEndpoint(tokenURL)
	m.probe.WithBaseURL(probeBaseURL)
	return m
}

// StoragePath returns where the pool lives on disk.
func (m *Manager) StoragePath() string { return m.st.Path() }

// Close flushes collaborators that hold resources.
func (m *Manager) Close() error {
	return m.audit.Close()
}

// Accounts returns a snapshot of the pool.
func (m *Manager) Accounts() []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Snapshot()
}

// ActiveIndex returns the active index for a family.
func (m *Manager) ActiveIndex(family string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.ActiveIndex(family)
}

// AddCredentials adds or refreshes an account from completed OAuth
// credentials, behind the auth rate limiter.
func (m *Manager) AddCredentials(creds oauth.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creds.Email
	if key == "" {
		key = creds.AccountID
	}
	if err := m.authLim.CheckAuthRateLimit(key); err != nil {
		return err
	}
	m.authLim.RecordAttempt(key)

	acc := store.Account{
		AccountID:       creds.AccountID,
		Email:           creds.Email,
		RefreshToken:    creds.RefreshToken,
		AccountIDSource: "id-token",
	}
	if err := m.pool.Add(acc); err != nil {
		return err
	}
	m.tokens[acc.Key()] = creds
	return nil
}

// Remove drops an account and its cached token.
func (m *Manager) Remove(selector string) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.pool.Remove(selector)
	if err == nil {
		delete(m.tokens, removed.Key())
		m.health.Clear()
		m.buckets.Clear()
		m.backoff.Clear()
	}
	return removed, err
}

// Rename sets an account's display label.
func (m *Manager) Rename(selector, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Rename(selector, label)
}

// Switch pins the default active account.
func (m *Manager) Switch(selector string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.pool.Resolve(selector)
	if err != nil {
		return -1, err
	}
	return idx, m.pool.Switch(idx, store.SwitchReasonRotation)
}

// Export writes the pool to a portable file.
func (m *Manager) Export(path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Export(path, force)
}

// Import merges accounts from a file into the pool.
func (m *Manager) Import(path string) (*store.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.st.Import(path)
	if err != nil {
		return nil, err
	}
	// re-mirror the merged file
	m.pool = pool.Load(m.st).WithNow(m.nowMs)
	return res, nil
}

// ensureFreshToken returns usable credentials for an account, refreshing
// through the OAuth endpoint when the cached token is stale. Rotated
// refresh tokens are written through to the pool. The caller holds m.mu.
func (m *Manager) ensureFreshToken(ctx context.Context, idx int) (oauth.Credentials, error) {
	acc := m.pool.Get(idx)
	if acc == nil {
		return oauth.Credentials{}, &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	key := acc.Key()
	if creds, ok := m.tokens[key]; ok && !creds.NeedsRefresh(time.UnixMilli(m.nowMs())) {
		return creds, nil
	}

	if err := m.authLim.CheckAuthRateLimit(key); err != nil {
		return oauth.Credentials{}, err
	}
	m.authLim.RecordAttempt(key)

	creds, err := m.refresher.Refresh(ctx, acc.RefreshToken)
	if err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) && !authErr.Retryable {
			// Dead refresh token: park the account instead of hammering
			// the token endpoint again.
			until := m.nowMs() + (30 * time.Minute).Milliseconds()
			if cErr := m.pool.SetCooldown(idx, store.CooldownAuthFailure, until); cErr != nil {
				m.log.Warn("failed to set cooldown", map[string]any{"error": cErr.Error()})
			}
		}
		return oauth.Credentials{}, err
	}

	if creds.RefreshToken != acc.RefreshToken || creds.AccountID != acc.AccountID || creds.Email != acc.Email {
		if err := m.pool.UpdateCredentials(idx, creds.RefreshToken, creds.AccountID, creds.Email); err != nil {
			m.log.Warn("failed to persist rotated credentials", map[string]any{"error": err.Error()})
		}
	}
	m.tokens[m.pool.Get(idx).Key()] = *creds
	return *creds, nil
}

// Lease is a granted account for one request.
type Lease struct {
	Index       int
	Account     store.Account
	AccessToken string
	Fallback    bool
}

// Acquire selects, refreshes and probes an account for the given family
// and optional model. The top candidates race in parallel; the first that
// answers wins. With every account unavailable it refuses with a
// RateLimitError so the caller can surface a retry hint.
func (m *Manager) Acquire(ctx context.Context, family, model string) (*Lease, error) {
	correlationID := logging.CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = logging.NewCorrelationID()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}
	start := m.nowMs()
	quota := pool.QuotaKey(family, model)

	m.mu.Lock()
	m.pool.ExpireResets()
	snapshot := m.pool.Snapshot()
	if len(snapshot) == 0 {
		m.mu.Unlock()
		return nil, &errs.ValidationError{Message: "no accounts in the pool; run `codex-nexus auth login` first"}
	}

	candidates := m.engine.TopCandidates(snapshot, family, model, probeParallelism)
	if len(candidates) == 0 {
		lru, _ := m.engine.SelectHybrid(snapshot, family, model)
		m.mu.Unlock()
		return nil, &errs.RateLimitError{
			Message:      "all accounts are rate limited or cooling down",
			RetryAfterMs: m.soonestRecovery(snapshot, quota),
			AccountID:    lru.Account.AccountID,
		}
	}

	// One bucket token per probe, refunded when the probe loses or fails.
	probed := candidates[:0]
	for _, c := range candidates {
		if m.buckets.TryConsume(c.Index, quota) {
			probed = append(probed, c)
		}
	}
	if len(probed) == 0 {
		probed = candidates[:1]
	}
	m.mu.Unlock()

	res, ok := selection.Race(ctx, probed, func(ctx context.Context, c selection.Candidate) (oauth.Credentials, error) {
		m.mu.Lock()
		creds, err := m.ensureFreshToken(ctx, c.Index)
		m.mu.Unlock()
		if err != nil {
			return oauth.Credentials{}, err
		}
		if err := m.probe.Probe(ctx, creds.AccessToken, creds.AccountID); err != nil {
			return oauth.Credentials{}, err
		}
		return creds, nil
	}, m.log)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok {
		for _, c := range probed {
			m.buckets.RefundToken(c.Index, quota)
		}
		m.recordAudit(reqlog.Entry{
			CorrelationID: correlationID,
			Family:        family,
			Model:         model,
			Status:        503,
			Duration:      m.nowMs() - start,
			Error:         "no candidate answered the probe",
		})
		return nil, errs.NewNetworkError("no account answered the probe", nil)
	}

	winner := res.Candidate
	for _, c := range probed {
		if c.Index != winner.Index {
			m.buckets.RefundToken(c.Index, quota)
		}
	}

	if err := m.pool.SetFamilyActive(family, winner.Index, store.SwitchReasonRotation); err != nil {
		m.log.Warn("failed to pin family active index", map[string]any{"error": err.Error()})
	}
	if err := m.pool.TouchUsed(winner.Index); err != nil {
		m.log.Warn("failed to stamp lastUsed", map[string]any{"error": err.Error()})
	}

	acc := m.pool.Get(winner.Index)
	m.recordAudit(reqlog.Entry{
		CorrelationID: correlationID,
		Family:        family,
		Model:         model,
		AccountIndex:  winner.Index,
		AccountEmail:  acc.Email,
		Status:        200,
		Duration:      m.nowMs() - start,
	})
	return &Lease{
		Index:       winner.Index,
		Account:     *acc,
		AccessToken: res.Value.AccessToken,
	}, nil
}

// soonestRecovery finds the earliest instant any account becomes usable
// again for the quota key. Caller holds m.mu.
func (m *Manager) soonestRecovery(snapshot []store.Account, quota string) int64 {
	now := m.nowMs()
	var soonest int64
	consider := func(at int64) {
		if at > now && (soonest == 0 || at < soonest) {
			soonest = at
		}
	}
	for i := range snapshot {
		consider(snapshot[i].CoolingDownUntil)
		for _, reset := range snapshot[i].RateLimitResetTimes {
			consider(reset)
		}
	}
	if soonest == 0 {
		return 0
	}
	return soonest - now
}

// ReportSuccess records a completed upstream request on an account.
func (m *Manager) ReportSuccess(idx int, family, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quota := pool.QuotaKey(family, model)
	m.health.RecordSuccess(idx, quota)
	m.backoff.Reset(idx, quota)
	if acc := m.pool.Get(idx); acc != nil {
		m.breakers.Get(selection.BreakerKey(acc)).RecordSuccess()
	}
}

// ReportRateLimit records a 429 and returns the reason-weighted backoff.
// The account is marked rate limited for the quota key until the delay
// elapses, except for duplicates inside the dedup window.
func (m *Manager) ReportRateLimit(idx int, family, model string, retryAfterMs int64, code string) tracker.Backoff {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := pool.QuotaKey(family, model)
	reason := tracker.ParseRateLimitReason(code)
	backoff := m.backoff.GetRateLimitBackoff(idx, quota, float64(retryAfterMs), reason)
	if backoff.IsDuplicate {
		return backoff
	}

	m.health.RecordRateLimit(idx, quota)
	if err := m.pool.MarkRateLimited(idx, quota, m.nowMs()+backoff.DelayMs); err != nil {
		m.log.Warn("failed to persist rate limit", map[string]any{"error": err.Error()})
	}
	if acc := m.pool.Get(idx); acc != nil {
		m.breakers.Get(selection.BreakerKey(acc)).RecordFailure()
	}
	return backoff
}

// ReportFailure records a non-429 failure on an account. Permanent auth
// failures put the account on cooldown.
func (m *Manager) ReportFailure(idx int, family, model string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := pool.QuotaKey(family, model)
	m.health.RecordFailure(idx, quota)
	if acc := m.pool.Get(idx); acc != nil {
		m.breakers.Get(selection.BreakerKey(acc)).RecordFailure()
	}

	var authErr *errs.AuthError
	if errors.As(cause, &authErr) && !authErr.Retryable {
		until := m.nowMs() + (30 * time.Minute).Milliseconds()
		if err := m.pool.SetCooldown(idx, store.CooldownAuthFailure, until); err != nil {
			m.log.Warn("failed to set cooldown", map[string]any{"error": err.Error()})
		}
	}
}

func (m *Manager) recordAudit(e reqlog.Entry) {
	m.audit.Record(e)
}
