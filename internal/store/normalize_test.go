package store

import (
	"encoding/json"
	"testing"
)

var testFamilies = []string{"codex", "codex-mini"}

func normalizeJSON(t *testing.T, doc string, nowMs int64) (*Storage, bool) {
	t.Helper()
	var raw any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("bad test JSON: %v", err)
	}
	pool, _, ok := Normalize(raw, NormalizeOptions{NowMs: nowMs, Families: testFamilies})
	return pool, ok
}

func TestNormalizeV1MigrationWithDedupAndActiveRemap(t *testing.T) {
	doc := `{
		"version": 1,
		"activeIndex": 1,
		"accounts": [
			{"accountId": "A", "refreshToken": "tA", "addedAt": 100, "lastUsed": 100},
			{"accountId": "A", "refreshToken": "tA", "addedAt": 200, "lastUsed": 200},
			{"accountId": "B", "refreshToken": "tB", "addedAt": 300, "lastUsed": 300}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 1_000)
	if !ok {
		t.Fatal("normalize rejected valid v1 storage")
	}
	if pool.Version != 3 {
		t.Fatalf("version = %d, want 3", pool.Version)
	}
	if len(pool.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2 after dedup", len(pool.Accounts))
	}
	if pool.Accounts[0].AccountID != "A" || pool.Accounts[0].AddedAt != 200 || pool.Accounts[0].LastUsed != 200 {
		t.Fatalf("dedup kept wrong entry: %+v", pool.Accounts[0])
	}
	if pool.Accounts[1].AccountID != "B" {
		t.Fatalf("account order not preserved: %+v", pool.Accounts[1])
	}
	if pool.ActiveIndex != 0 {
		t.Fatalf("activeIndex = %d, want 0 (remapped to surviving A)", pool.ActiveIndex)
	}
	for _, family := range testFamilies {
		if pool.ActiveIndexByFamily[family] != 0 {
			t.Fatalf("activeIndexByFamily[%s] = %d, want 0", family, pool.ActiveIndexByFamily[family])
		}
	}
}

func TestNormalizeV1FutureResetReplicatedPerFamily(t *testing.T) {
	doc := `{
		"version": 1,
		"activeIndex": 0,
		"accounts": [
			{"refreshToken": "t1", "rateLimitResetTime": 5000},
			{"refreshToken": "t2", "rateLimitResetTime": 500}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 1_000)
	if !ok {
		t.Fatal("normalize failed")
	}
	for _, family := range testFamilies {
		if pool.Accounts[0].RateLimitResetTimes[family] != 5000 {
			t.Fatalf("future reset not replicated to family %s: %+v", family, pool.Accounts[0].RateLimitResetTimes)
		}
	}
	if len(pool.Accounts[1].RateLimitResetTimes) != 0 {
		t.Fatalf("expired v1 reset should be discarded, got %+v", pool.Accounts[1].RateLimitResetTimes)
	}
}

func TestNormalizeDropsMalformedEntries(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 0,
		"accounts": [
			"not-an-object",
			{"accountId": "X"},
			{"refreshToken": "   "},
			{"refreshToken": "good"}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 0)
	if !ok {
		t.Fatal("normalize failed")
	}
	if len(pool.Accounts) != 1 || pool.Accounts[0].RefreshToken != "good" {
		t.Fatalf("expected only the valid entry to survive, got %+v", pool.Accounts)
	}
}

func TestNormalizeRejectsUnknownShape(t *testing.T) {
	if _, ok := normalizeJSON(t, `{"version": 7, "accounts": []}`, 0); ok {
		t.Fatal("unknown version must be rejected")
	}
	if _, ok := normalizeJSON(t, `{"version": 3, "accounts": 42}`, 0); ok {
		t.Fatal("non-array accounts must be rejected")
	}
	if _, ok := normalizeJSON(t, `[]`, 0); ok {
		t.Fatal("non-object root must be rejected")
	}
}

func TestNormalizeEmailDedupKeepsNewest(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 0,
		"accounts": [
			{"accountId": "A", "refreshToken": "tA", "email": " u@x.com ", "lastUsed": 100},
			{"accountId": "B", "refreshToken": "tB", "email": "u@x.com", "lastUsed": 300},
			{"refreshToken": "tC"},
			{"refreshToken": "tD"}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 0)
	if !ok {
		t.Fatal("normalize failed")
	}
	if len(pool.Accounts) != 3 {
		t.Fatalf("accounts = %d, want 3 (email dedup, empty emails kept)", len(pool.Accounts))
	}
	if pool.Accounts[0].AccountID != "B" {
		t.Fatalf("email dedup should keep the newest entry, got %+v", pool.Accounts[0])
	}
}

func TestNormalizeActiveIndexClampWhenActiveRemoved(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 2,
		"accounts": [
			{"refreshToken": "t0"},
			{"refreshToken": "t1"},
			{"refreshToken": "  "}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 0)
	if !ok {
		t.Fatal("normalize failed")
	}
	if pool.ActiveIndex != 1 {
		t.Fatalf("activeIndex = %d, want clamp to 1 after active account dropped", pool.ActiveIndex)
	}
}

func TestNormalizeByFamilyRemapFollowsKey(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 0,
		"activeIndexByFamily": {"codex": 2},
		"accounts": [
			{"accountId": "dup", "refreshToken": "t0", "lastUsed": 10},
			{"accountId": "dup", "refreshToken": "t0", "lastUsed": 20},
			{"accountId": "B", "refreshToken": "tB"}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 0)
	if !ok {
		t.Fatal("normalize failed")
	}
	if pool.ActiveIndexByFamily["codex"] != 1 {
		t.Fatalf("family index should follow account B to its new slot, got %d", pool.ActiveIndexByFamily["codex"])
	}
}

func TestNormalizeIdempotentOnV3(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 1,
		"activeIndexByFamily": {"codex": 0},
		"accounts": [
			{"accountId": "A", "refreshToken": "tA", "email": "a@x.com", "addedAt": 1, "lastUsed": 2},
			{"accountId": "B", "refreshToken": "tB", "addedAt": 3, "lastUsed": 4,
			 "rateLimitResetTimes": {"codex": 99999999999999}}
		]
	}`
	first, ok := normalizeJSON(t, doc, 1_000)
	if !ok {
		t.Fatal("normalize failed")
	}
	data, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, _, ok := Normalize(raw, NormalizeOptions{NowMs: 1_000, Families: testFamilies})
	if !ok {
		t.Fatal("re-normalize failed")
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("normalization is not a fixpoint on v3:\n%s\n%s", a, b)
	}
}

func TestNormalizeNoDuplicateKeysOrEmails(t *testing.T) {
	doc := `{
		"version": 3,
		"activeIndex": 0,
		"accounts": [
			{"accountId": "A", "refreshToken": "t1", "email": "a@x.com"},
			{"accountId": "A", "refreshToken": "t2"},
			{"refreshToken": "t3", "email": "a@x.com"},
			{"refreshToken": "t3"},
			{"refreshToken": "t4"}
		]
	}`
	pool, ok := normalizeJSON(t, doc, 0)
	if !ok {
		t.Fatal("normalize failed")
	}
	keys := map[string]bool{}
	emails := map[string]bool{}
	for _, acc := range pool.Accounts {
		if keys[acc.Key()] {
			t.Fatalf("duplicate key survived: %s", acc.Key())
		}
		keys[acc.Key()] = true
		if acc.Email != "" {
			if emails[acc.Email] {
				t.Fatalf("duplicate email survived: %s", acc.Email)
			}
			emails[acc.Email] = true
		}
	}
}
