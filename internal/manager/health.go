package manager

import (
	"context"

	"github.com/pysugar/codex-nexus/internal/discovery"
	"github.com/pysugar/codex-nexus/internal/selection"
	"github.com/pysugar/codex-nexus/internal/store"
)

// AccountHealth is one row of the health report.
type AccountHealth struct {
	Index        int              `json:"index"`
	Label        string           `json:"label"`
	Email        string           `json:"email,omitempty"`
	AccountID    string           `json:"accountId,omitempty"`
	Healthy      bool             `json:"healthy"`
	Error        string           `json:"error,omitempty"`
	Score        float64          `json:"score"`
	Tokens       int              `json:"tokens"`
	BreakerState string           `json:"breakerState"`
	CoolingDown  bool             `json:"coolingDown"`
	RateLimits   map[string]int64 `json:"rateLimits,omitempty"`
	Active       bool             `json:"active"`
}

// HealthReport probes every account for the family and collects tracker
// state alongside. Probe outcomes feed the trackers like real traffic.
func (m *Manager) HealthReport(ctx context.Context, family string) []AccountHealth {
	m.mu.Lock()
	snapshot := m.pool.Snapshot()
	active := m.pool.ActiveIndex(family)
	now := m.nowMs()
	m.mu.Unlock()

	report := make([]AccountHealth, 0, len(snapshot))
	for i := range snapshot {
		acc := snapshot[i]
		row := AccountHealth{
			Index:       i,
			Label:       displayLabel(&acc),
			Email:       acc.Email,
			AccountID:   acc.AccountID,
			CoolingDown: acc.CoolingDownUntil > now,
			Active:      i == active,
		}
		if len(acc.RateLimitResetTimes) > 0 {
			row.RateLimits = make(map[string]int64, len(acc.RateLimitResetTimes))
			for k, v := range acc.RateLimitResetTimes {
				if v > now {
					row.RateLimits[k] = v
				}
			}
		}

		err := m.probeAccount(ctx, i)
		row.Healthy = err == nil
		if err != nil {
			row.Error = err.Error()
		}

		m.mu.Lock()
		row.Score = m.health.PeekScore(i, family)
		row.Tokens = m.buckets.PeekTokens(i, family)
		if b, ok := m.breakers.Peek(selection.BreakerKey(&acc)); ok {
			row.BreakerState = b.State().String()
		} else {
			row.BreakerState = "closed"
		}
		m.mu.Unlock()

		report = append(report, row)
	}
	return report
}

// probeAccount refreshes and probes one account, updating trackers.
func (m *Manager) probeAccount(ctx context.Context, idx int) error {
	m.mu.Lock()
	creds, err := m.ensureFreshToken(ctx, idx)
	m.mu.Unlock()
	if err != nil {
		m.ReportFailure(idx, m.cfg.Families[0], "", err)
		return err
	}

	if err := m.probe.Probe(ctx, creds.AccessToken, creds.AccountID); err != nil {
		m.ReportFailure(idx, m.cfg.Families[0], "", err)
		return err
	}
	m.ReportSuccess(idx, m.cfg.Families[0], "")
	return nil
}

// Recover scans known on-disk credential locations and adds anything the
// pool does not already hold. Returns how many accounts were added or
// refreshed.
func (m *Manager) Recover() (int, []discovery.ScanError) {
	result := discovery.ScanAll()
	added := 0
	for _, cred := range result.Credentials {
		m.mu.Lock()
		err := m.pool.Add(store.Account{
			AccountID:       cred.AccountID,
			Email:           cred.Email,
			RefreshToken:    cred.RefreshToken,
			AccountIDSource: "recovered:" + cred.Source,
		})
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("failed to recover account", map[string]any{
				"source": cred.Source,
				"error":  err.Error(),
			})
			continue
		}
		added++
	}
	return added, result.Errors
}

func displayLabel(acc *store.Account) string {
	if acc.AccountLabel != "" {
		return acc.AccountLabel
	}
	if acc.Email != "" {
		return acc.Email
	}
	if acc.AccountID != "" {
		return acc.AccountID
	}
	return "account"
}
