package store

import (
	"fmt"
	"strings"
)

// NormalizeOptions inject time and the known model families so the
// normalization pass stays a pure function.
type NormalizeOptions struct {
	NowMs    int64
	Families []string
}

// Normalize reduces raw parsed JSON to a valid v3 pool, or reports that it
// cannot. The contract is total: any input yields either a normalized pool
// plus non-fatal warnings, or ok=false. Malformed entries are dropped, never
// fatal.
func Normalize(raw any, opts NormalizeOptions) (*Storage, []string, bool) {
	var warnings []string

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, []string{"storage is not a JSON object"}, false
	}
	version := intFromAny(obj["version"], -1)
	if version != 1 && version != SchemaVersion {
		return nil, []string{fmt.Sprintf("unknown storage version %d", version)}, false
	}
	rawAccounts, ok := obj["accounts"].([]any)
	if !ok {
		return nil, []string{"accounts is not an array"}, false
	}

	// Capture the active account's identity before anything is dropped, so
	// dedup cannot silently move the active slot to a different account.
	rawActive := clampIndex(intFromAny(obj["activeIndex"], 0), len(rawAccounts))
	activeKey := rawKeyAt(rawAccounts, rawActive)

	type survivor struct {
		acc Account
		idx int // later-appearing index wins newest ties
	}
	var survivors []survivor
	byKey := make(map[string]int)
	for i, entry := range rawAccounts {
		m, ok := entry.(map[string]any)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("dropping account %d: not an object", i))
			continue
		}
		acc, ok := readAccount(m, version == 1, opts)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("dropping account %d: missing refresh token", i))
			continue
		}
		key := acc.Key()
		if pos, dup := byKey[key]; dup {
			if newerThan(acc, i, survivors[pos].acc, survivors[pos].idx) {
				survivors[pos] = survivor{acc: acc, idx: i}
			}
			warnings = append(warnings, fmt.Sprintf("collapsed duplicate account for key of entry %d", i))
			continue
		}
		byKey[key] = len(survivors)
		survivors = append(survivors, survivor{acc: acc, idx: i})
	}

	// Second dedup pass: distinct keys may still share an email.
	byEmail := make(map[string]int)
	deduped := survivors[:0]
	for _, s := range survivors {
		email := strings.TrimSpace(s.acc.Email)
		if email == "" {
			deduped = append(deduped, s)
			continue
		}
		if pos, dup := byEmail[email]; dup {
			if newerThan(s.acc, s.idx, deduped[pos].acc, deduped[pos].idx) {
				deduped[pos] = s
			}
			warnings = append(warnings, fmt.Sprintf("collapsed duplicate email %q", email))
			continue
		}
		byEmail[email] = len(deduped)
		deduped = append(deduped, s)
	}

	accounts := make([]Account, len(deduped))
	finalByKey := make(map[string]int, len(deduped))
	for i, s := range deduped {
		accounts[i] = s.acc
		finalByKey[s.acc.Key()] = i
	}

	activeIndex := clampIndex(rawActive, len(accounts))
	if pos, ok := finalByKey[activeKey]; ok && activeKey != "" {
		activeIndex = pos
	}

	byFamily := make(map[string]int)
	if rawByFamily, ok := obj["activeIndexByFamily"].(map[string]any); ok {
		for family, idxAny := range rawByFamily {
			ri := clampIndex(intFromAny(idxAny, 0), len(rawAccounts))
			key := rawKeyAt(rawAccounts, ri)
			if pos, ok := finalByKey[key]; ok && key != "" {
				byFamily[family] = pos
			} else {
				byFamily[family] = clampIndex(ri, len(accounts))
			}
		}
	}
	for _, family := range opts.Families {
		if _, ok := byFamily[family]; !ok {
			byFamily[family] = activeIndex
		}
	}

	return &Storage{
		Version:             SchemaVersion,
		Accounts:            accounts,
		ActiveIndex:         activeIndex,
		ActiveIndexByFamily: byFamily,
	}, warnings, true
}

// newerThan implements the dedup tie-break: greater lastUsed, then greater
// addedAt, then the later-appearing raw index.
func newerThan(a Account, ai int, b Account, bi int) bool {
	if a.LastUsed != b.LastUsed {
		return a.LastUsed > b.LastUsed
	}
	if a.AddedAt != b.AddedAt {
		return a.AddedAt > b.AddedAt
	}
	return ai > bi
}

// readAccount validates one raw entry. v1 entries carry a scalar
// rateLimitResetTime which, when still in the future, is replicated to every
// known family; expired values are discarded.
func readAccount(m map[string]any, migrateV1 bool, opts NormalizeOptions) (Account, bool) {
	token := strings.TrimSpace(stringFromAny(m["refreshToken"]))
	if token == "" {
		return Account{}, false
	}
	acc := Account{
		AccountID:        strings.TrimSpace(stringFromAny(m["accountId"])),
		Email:            stringFromAny(m["email"]),
		AccountLabel:     stringFromAny(m["accountLabel"]),
		AccountIDSource:  stringFromAny(m["accountIdSource"]),
		RefreshToken:     token,
		AddedAt:          int64FromAny(m["addedAt"]),
		LastUsed:         int64FromAny(m["lastUsed"]),
		LastSwitchReason: stringFromAny(m["lastSwitchReason"]),
		CoolingDownUntil: int64FromAny(m["coolingDownUntil"]),
		CooldownReason:   stringFromAny(m["cooldownReason"]),
	}
	if migrateV1 {
		if reset := int64FromAny(m["rateLimitResetTime"]); reset > opts.NowMs {
			acc.RateLimitResetTimes = make(map[string]int64, len(opts.Families))
			for _, family := range opts.Families {
				acc.RateLimitResetTimes[family] = reset
			}
		}
		return acc, true
	}
	if rawResets, ok := m["rateLimitResetTimes"].(map[string]any); ok {
		for quotaKey, v := range rawResets {
			if reset := int64FromAny(v); reset > opts.NowMs {
				if acc.RateLimitResetTimes == nil {
					acc.RateLimitResetTimes = make(map[string]int64)
				}
				acc.RateLimitResetTimes[quotaKey] = reset
			}
		}
	}
	return acc, true
}

// rawKeyAt reads the dedup key straight off the raw array. A raw entry with
// no accountId keys by its refreshToken even when empty.
func rawKeyAt(rawAccounts []any, idx int) string {
	if idx < 0 || idx >= len(rawAccounts) {
		return ""
	}
	m, ok := rawAccounts[idx].(map[string]any)
	if !ok {
		return ""
	}
	if id := strings.TrimSpace(stringFromAny(m["accountId"])); id != "" {
		return id
	}
	return strings.TrimSpace(stringFromAny(m["refreshToken"]))
}

func clampIndex(idx, length int) int {
	if length <= 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx >= length {
		return length - 1
	}
	return idx
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func intFromAny(v any, fallback int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return fallback
	}
}

func int64FromAny(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
