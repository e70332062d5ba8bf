// Package discovery scans well-known on-disk locations for existing Codex
// OAuth credentials, so accounts lost from the pool can be recovered
// without a fresh browser login.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pysugar/codex-nexus/internal/logging"
	"github.com/pysugar/codex-nexus/internal/oauth"
)

// Credential is one discovered credential set.
type Credential struct {
	Source       string    `json:"source"`
	Email        string    `json:"email"`
	AccountID    string    `json:"accountId"`
	PlanType     string    `json:"planType"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ConfigPath   string    `json:"configPath"`
}

// ScanError is one unreadable or malformed candidate file.
type ScanError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ScanResult holds everything one pass found.
type ScanResult struct {
	Credentials []Credential `json:"credentials"`
	Errors      []ScanError  `json:"errors,omitempty"`
}

// Source is one location family to scan.
type Source struct {
	Name  string
	Paths func() []string
}

// authJSON mirrors the Codex CLI auth.json layout.
type authJSON struct {
	Tokens *struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
	LastRefresh string `json:"last_refresh"`
}

// sources lists the scan locations in priority order: the Codex CLI home,
// then the platform data dir used by IDE integrations.
var sources = []Source{
	{Name: "codex-cli", Paths: codexHomePaths},
	{Name: "platform-data", Paths: platformDataPaths},
}

func codexHomePaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".codex", "auth.json"),
		filepath.Join(home, ".config", "codex", "auth.json"),
	}
}

// platformDataPaths covers APPDATA on Windows and XDG_DATA_HOME elsewhere.
func platformDataPaths() []string {
	var roots []string
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			roots = append(roots, appData)
		}
	} else {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			roots = append(roots, xdg)
		} else if home, err := os.UserHomeDir(); err == nil {
			roots = append(roots, filepath.Join(home, ".local", "share"))
		}
	}
	var paths []string
	for _, root := range roots {
		paths = append(paths, filepath.Join(root, "codex", "auth.json"))
	}
	return paths
}

// ScanAll walks every known source and collects parseable credentials.
// Missing files are skipped silently; malformed ones are reported.
func ScanAll() *ScanResult {
	return scan(sources)
}

func scan(srcs []Source) *ScanResult {
	log := logging.New("discovery")
	result := &ScanResult{
		Credentials: make([]Credential, 0),
		Errors:      make([]ScanError, 0),
	}

	for _, src := range srcs {
		for _, path := range src.Paths() {
			cred, err := parseAuthJSON(src.Name, path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				result.Errors = append(result.Errors, ScanError{Source: src.Name, Path: path, Error: err.Error()})
				continue
			}
			if cred != nil && cred.RefreshToken != "" {
				log.Info("found credentials", map[string]any{"source": src.Name, "path": path})
				result.Credentials = append(result.Credentials, *cred)
			}
		}
	}

	log.Debug("scan complete", map[string]any{
		"credentials": len(result.Credentials),
		"errors":      len(result.Errors),
	})
	return result
}

func parseAuthJSON(source, path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var auth authJSON
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, err
	}
	if auth.Tokens == nil {
		return nil, nil
	}

	cred := &Credential{
		Source:       source,
		AccountID:    auth.Tokens.AccountID,
		AccessToken:  auth.Tokens.AccessToken,
		RefreshToken: auth.Tokens.RefreshToken,
		ConfigPath:   path,
	}
	if claims, err := oauth.ParseJWT(auth.Tokens.IDToken); err == nil {
		cred.Email = claims.Email
		cred.PlanType = claims.AuthInfo.ChatGPTPlanType
		if cred.AccountID == "" {
			cred.AccountID = claims.AuthInfo.ChatGPTAccountID
		}
	}
	if claims, err := oauth.ParseJWT(auth.Tokens.AccessToken); err == nil && claims.Exp > 0 {
		cred.ExpiresAt = time.Unix(claims.Exp, 0)
	}
	return cred, nil
}

// MaskToken shortens a token for display.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// MaskCredential returns a display-safe copy.
func MaskCredential(cred Credential) Credential {
	masked := cred
	masked.AccessToken = MaskToken(cred.AccessToken)
	masked.RefreshToken = MaskToken(cred.RefreshToken)
	return masked
}
