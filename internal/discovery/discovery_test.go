package discovery

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeAuthJSON(t *testing.T, dir string, body any) string {
	t.Helper()
	path := filepath.Join(dir, "auth.json")
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) +
		"." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestScanFindsCredentials(t *testing.T) {
	dir := t.TempDir()
	idToken := testJWT(t, map[string]any{
		"email": "dev@example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-9",
			"chatgpt_plan_type":  "pro",
		},
	})
	path := writeAuthJSON(t, dir, map[string]any{
		"tokens": map[string]any{
			"id_token":      idToken,
			"access_token":  "at-1",
			"refresh_token": "rt-1",
		},
	})

	res := scan([]Source{{Name: "test", Paths: func() []string { return []string{path} }}})
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(res.Credentials) != 1 {
		t.Fatalf("found %d credentials, want 1", len(res.Credentials))
	}
	c := res.Credentials[0]
	if c.Email != "dev@example.com" || c.AccountID != "acct-9" || c.PlanType != "pro" {
		t.Fatalf("credential = %+v", c)
	}
	if c.RefreshToken != "rt-1" {
		t.Fatalf("refresh token = %q", c.RefreshToken)
	}
}

func TestScanSkipsMissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope", "auth.json")
	res := scan([]Source{{Name: "test", Paths: func() []string { return []string{missing} }}})
	if len(res.Credentials) != 0 || len(res.Errors) != 0 {
		t.Fatalf("missing file must be silent: %+v", res)
	}
}

func TestScanReportsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := scan([]Source{{Name: "test", Paths: func() []string { return []string{path} }}})
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want 1", res.Errors)
	}
	if len(res.Credentials) != 0 {
		t.Fatalf("credentials = %v, want none", res.Credentials)
	}
}

func TestScanIgnoresTokenlessFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeAuthJSON(t, dir, map[string]any{"OPENAI_API_KEY": "sk-something"})

	res := scan([]Source{{Name: "test", Paths: func() []string { return []string{path} }}})
	if len(res.Credentials) != 0 || len(res.Errors) != 0 {
		t.Fatalf("api-key-only file must be skipped: %+v", res)
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "***" {
		t.Fatalf("MaskToken(short) = %q", got)
	}
	if got := MaskToken("rt-abcdefghij"); got != "rt-a...ghij" {
		t.Fatalf("MaskToken = %q", got)
	}
}
