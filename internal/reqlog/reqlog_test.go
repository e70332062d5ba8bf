package reqlog

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEnabledFollowsEnv(t *testing.T) {
	t.Setenv(EnvEnable, "")
	if Enabled() {
		t.Fatal("logging should be off without the env switch")
	}
	t.Setenv(EnvEnable, "true")
	if !Enabled() {
		t.Fatal("logging should be on with the env switch")
	}
}

func TestNilLogIsInert(t *testing.T) {
	var l *Log
	l.Record(Entry{Family: "codex", Status: 200})
	if entries, err := l.Recent(10); err != nil || entries != nil {
		t.Fatalf("nil log Recent = %v, %v", entries, err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil log Close = %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLog(t)

	l.Record(Entry{Timestamp: 1000, Family: "codex", Model: "gpt-5", AccountIndex: 0, Status: 200, Duration: 42})
	l.Record(Entry{Timestamp: 2000, Family: "codex", AccountIndex: 1, Status: 429, Error: "rate limited", SwitchReason: "rate-limit"})

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Timestamp != 2000 {
		t.Fatal("entries must come back newest first")
	}
	if entries[0].ID == "" {
		t.Fatal("entry id should be generated")
	}
	if entries[0].SwitchReason != "rate-limit" {
		t.Fatalf("switch reason = %q", entries[0].SwitchReason)
	}
}

func TestStatsSince(t *testing.T) {
	l := newTestLog(t)

	l.Record(Entry{Timestamp: 1000, Family: "codex", Status: 200})
	l.Record(Entry{Timestamp: 2000, Family: "codex", Status: 200})
	l.Record(Entry{Timestamp: 3000, Family: "codex", Status: 502})

	s, err := l.StatsSince(2000)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalRequests != 2 || s.SuccessCount != 1 || s.ErrorCount != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPrune(t *testing.T) {
	l := newTestLog(t)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	l.Record(Entry{Timestamp: old, Family: "codex", Status: 200})
	l.Record(Entry{Family: "codex", Status: 200})

	removed, err := l.Prune(time.Now().Add(-24 * time.Hour).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d, want 1", removed)
	}
	entries, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("remaining = %d, want 1", len(entries))
	}
}
