// Package store owns the durable account pool file: schema, versioned
// migration, normalization and concurrency-safe atomic writes.
package store

import "strings"

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = 3

// DefaultMaxAccounts caps the pool size unless the cap is configured.
const DefaultMaxAccounts = 10

// Switch reasons recorded on an account when the active slot moves.
const (
	SwitchReasonRateLimit = "rate-limit"
	SwitchReasonInitial   = "initial"
	SwitchReasonRotation  = "rotation"
)

// Cooldown reasons for a temporary per-account ban.
const (
	CooldownAuthFailure  = "auth-failure"
	CooldownNetworkError = "network-error"
)

// Account is one usable upstream identity.
type Account struct {
	AccountID           string           `json:"accountId,omitempty"`
	Email               string           `json:"email,omitempty"`
	AccountLabel        string           `json:"accountLabel,omitempty"`
	AccountIDSource     string           `json:"accountIdSource,omitempty"`
	RefreshToken        string           `json:"refreshToken"`
	AddedAt             int64            `json:"addedAt"`
	LastUsed            int64            `json:"lastUsed"`
	LastSwitchReason    string           `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil    int64            `json:"coolingDownUntil,omitempty"`
	CooldownReason      string           `json:"cooldownReason,omitempty"`
}

// Key is the dedup identity: accountId when present, else refreshToken.
func (a *Account) Key() string {
	if id := strings.TrimSpace(a.AccountID); id != "" {
		return id
	}
	return a.RefreshToken
}

// Storage is the normalized v3 pool.
type Storage struct {
	Version             int            `json:"version"`
	Accounts            []Account      `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

// ImportResult summarizes a pool merge.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}
