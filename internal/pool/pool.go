// Package pool keeps the normalized in-memory mirror of the account store.
// All durable mutations flow through here and are saved immediately.
package pool

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
	"github.com/pysugar/codex-nexus/internal/logging"
	"github.com/pysugar/codex-nexus/internal/store"
)

// QuotaKey builds the tracking key: `family` or `family:model`.
func QuotaKey(family, model string) string {
	if model == "" {
		return family
	}
	return family + ":" + model
}

// Pool mirrors the durable storage. It is not internally synchronized;
// callers access it from a single goroutine or guard it themselves.
type Pool struct {
	st      *store.Store
	storage *store.Storage
	nowMs   func() int64
	log     *logging.Logger
}

// Load builds the pool from disk, starting empty when nothing is stored.
func Load(st *store.Store) *Pool {
	p := &Pool{
		st:    st,
		nowMs: func() int64 { return time.Now().UnixMilli() },
		log:   logging.New("account-pool"),
	}
	p.storage = st.Load()
	if p.storage == nil {
		p.storage = &store.Storage{
			Version:             store.SchemaVersion,
			ActiveIndexByFamily: map[string]int{},
		}
	}
	return p
}

// WithNow overrides the clock, for tests.
func (p *Pool) WithNow(nowMs func() int64) *Pool {
	p.nowMs = nowMs
	return p
}

func (p *Pool) Len() int { return len(p.storage.Accounts) }

// Snapshot returns a copy of the accounts for the selection engine.
func (p *Pool) Snapshot() []store.Account {
	out := make([]store.Account, len(p.storage.Accounts))
	copy(out, p.storage.Accounts)
	return out
}

// Get returns the account at index, or nil when out of range.
func (p *Pool) Get(idx int) *store.Account {
	if idx < 0 || idx >= len(p.storage.Accounts) {
		return nil
	}
	return &p.storage.Accounts[idx]
}

// ActiveIndex returns the per-family index, falling back to the default.
func (p *Pool) ActiveIndex(family string) int {
	if idx, ok := p.storage.ActiveIndexByFamily[family]; ok && idx >= 0 && idx < p.Len() {
		return idx
	}
	if p.storage.ActiveIndex >= 0 && p.storage.ActiveIndex < p.Len() {
		return p.storage.ActiveIndex
	}
	return 0
}

// Add appends a new account or refreshes an existing one matched by key or
// email. New accounts respect the pool cap.
func (p *Pool) Add(acc store.Account) error {
	if strings.TrimSpace(acc.RefreshToken) == "" {
		return &errs.ValidationError{Message: "account has no refresh token", Field: "refreshToken", Expected: "non-empty string"}
	}
	acc.RefreshToken = strings.TrimSpace(acc.RefreshToken)
	now := p.nowMs()
	if acc.AddedAt == 0 {
		acc.AddedAt = now
	}

	email := strings.TrimSpace(acc.Email)
	for i := range p.storage.Accounts {
		existing := &p.storage.Accounts[i]
		if existing.Key() == acc.Key() || (email != "" && strings.TrimSpace(existing.Email) == email) {
			// Same identity logging in again: refresh credentials in place.
			existing.RefreshToken = acc.RefreshToken
			if acc.AccountID != "" {
				existing.AccountID = acc.AccountID
				existing.AccountIDSource = acc.AccountIDSource
			}
			if email != "" {
				existing.Email = acc.Email
			}
			existing.CoolingDownUntil = 0
			existing.CooldownReason = ""
			p.log.Info("updated existing account", map[string]any{"index": i})
			return p.save()
		}
	}

	if p.Len() >= p.st.MaxAccounts() {
		return &errs.ValidationError{
			Message: fmt.Sprintf("account limit reached (%d)", p.st.MaxAccounts()),
		}
	}
	if acc.LastSwitchReason == "" {
		acc.LastSwitchReason = store.SwitchReasonInitial
	}
	p.storage.Accounts = append(p.storage.Accounts, acc)
	p.log.Info("added account", map[string]any{"index": p.Len() - 1})
	return p.save()
}

// Resolve finds an account index by position, accountId or email.
func (p *Pool) Resolve(selector string) (int, error) {
	selector = strings.TrimSpace(selector)
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= p.Len() {
			return -1, &errs.ValidationError{
				Message:  fmt.Sprintf("index %d out of range", idx),
				Field:    "index",
				Expected: fmt.Sprintf("0..%d", p.Len()-1),
			}
		}
		return idx, nil
	}
	for i, acc := range p.storage.Accounts {
		if acc.AccountID == selector || strings.EqualFold(strings.TrimSpace(acc.Email), selector) {
			return i, nil
		}
	}
	return -1, &errs.ValidationError{Message: fmt.Sprintf("no account matches %q", selector)}
}

// Remove deletes an account and remaps every stored index past it.
func (p *Pool) Remove(selector string) (store.Account, error) {
	idx, err := p.Resolve(selector)
	if err != nil {
		return store.Account{}, err
	}
	removed := p.storage.Accounts[idx]
	p.storage.Accounts = append(p.storage.Accounts[:idx], p.storage.Accounts[idx+1:]...)

	p.storage.ActiveIndex = shiftIndex(p.storage.ActiveIndex, idx, p.Len())
	for family, fi := range p.storage.ActiveIndexByFamily {
		p.storage.ActiveIndexByFamily[family] = shiftIndex(fi, idx, p.Len())
	}
	p.log.Info("removed account", map[string]any{"index": idx})
	return removed, p.save()
}

// shiftIndex adjusts a stored index after removal of position removedAt.
func shiftIndex(idx, removedAt, newLen int) int {
	if idx > removedAt {
		idx--
	}
	if newLen == 0 {
		return 0
	}
	if idx >= newLen {
		idx = newLen - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Rename sets the display label of an account.
func (p *Pool) Rename(selector, label string) error {
	idx, err := p.Resolve(selector)
	if err != nil {
		return err
	}
	p.storage.Accounts[idx].AccountLabel = strings.TrimSpace(label)
	return p.save()
}

// Switch moves the default active index, recording the reason.
func (p *Pool) Switch(idx int, reason string) error {
	if idx < 0 || idx >= p.Len() {
		return &errs.ValidationError{
			Message:  fmt.Sprintf("index %d out of range", idx),
			Field:    "index",
			Expected: fmt.Sprintf("0..%d", p.Len()-1),
		}
	}
	p.storage.ActiveIndex = idx
	p.storage.Accounts[idx].LastSwitchReason = reason
	return p.save()
}

// SetFamilyActive pins the active index for one model family.
func (p *Pool) SetFamilyActive(family string, idx int, reason string) error {
	if idx < 0 || idx >= p.Len() {
		return &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	if p.storage.ActiveIndexByFamily == nil {
		p.storage.ActiveIndexByFamily = map[string]int{}
	}
	p.storage.ActiveIndexByFamily[family] = idx
	p.storage.Accounts[idx].LastSwitchReason = reason
	return p.save()
}

// MarkRateLimited records a quota-key reset instant on an account.
func (p *Pool) MarkRateLimited(idx int, quotaKey string, resetAtMs int64) error {
	acc := p.Get(idx)
	if acc == nil {
		return &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = map[string]int64{}
	}
	acc.RateLimitResetTimes[quotaKey] = resetAtMs
	acc.LastSwitchReason = store.SwitchReasonRateLimit
	return p.save()
}

// SetCooldown puts an account on a temporary ban.
func (p *Pool) SetCooldown(idx int, reason string, untilMs int64) error {
	acc := p.Get(idx)
	if acc == nil {
		return &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	acc.CoolingDownUntil = untilMs
	acc.CooldownReason = reason
	return p.save()
}

// TouchUsed stamps lastUsed on the account that just served a request.
func (p *Pool) TouchUsed(idx int) error {
	acc := p.Get(idx)
	if acc == nil {
		return &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	acc.LastUsed = p.nowMs()
	return p.save()
}

// UpdateCredentials persists a rotated refresh token and metadata after an
// OAuth refresh.
func (p *Pool) UpdateCredentials(idx int, refreshToken, accountID, email string) error {
	acc := p.Get(idx)
	if acc == nil {
		return &errs.ValidationError{Message: fmt.Sprintf("index %d out of range", idx)}
	}
	if strings.TrimSpace(refreshToken) != "" {
		acc.RefreshToken = strings.TrimSpace(refreshToken)
	}
	if accountID != "" {
		acc.AccountID = accountID
	}
	if email != "" {
		acc.Email = email
	}
	return p.save()
}

// ExpireResets drops rate-limit entries whose reset instant has passed.
// In-memory only: the next durable mutation persists the cleanup.
func (p *Pool) ExpireResets() {
	now := p.nowMs()
	for i := range p.storage.Accounts {
		for key, reset := range p.storage.Accounts[i].RateLimitResetTimes {
			if reset <= now {
				delete(p.storage.Accounts[i].RateLimitResetTimes, key)
			}
		}
	}
}

func (p *Pool) save() error {
	return p.st.Save(p.storage)
}
