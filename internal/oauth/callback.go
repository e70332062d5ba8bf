package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/pysugar/codex-nexus/internal/logging"
)

// CallbackResult carries the outcome of the browser flow.
type CallbackResult struct {
	Credentials *Credentials
	Err         error
}

// LoginSession is a single in-flight browser login.
type LoginSession struct {
	AuthURL string
	Port    int
	Result  <-chan CallbackResult
	Cleanup func()
}

// StartLogin spins up a loopback callback server and returns the URL the
// user must open. It prefers the Codex CLI callback port and falls back to
// a random one. The session self-destructs after the callback timeout.
func StartLogin(ctx context.Context) (*LoginSession, error) {
	log := logging.New("oauth")

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", PreferredCallbackPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback server: %w", err)
		}
		log.Info("preferred callback port in use, using random port", map[string]any{
			"preferred": PreferredCallbackPort,
		})
	}
	port := listener.Addr().(*net.TCPAddr).Port

	redirectURL := fmt.Sprintf("http://localhost:%d/auth/callback", port)
	cfg := NewConfig(redirectURL)
	state := NewStateToken()
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "false"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
	)

	resultCh := make(chan CallbackResult, 1)
	var received sync.Once
	deliver := func(res CallbackResult) bool {
		delivered := false
		received.Do(func() {
			resultCh <- res
			delivered = true
		})
		return delivered
	}

	r := chi.NewRouter()
	r.Get("/auth/callback", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("state") != state {
			if deliver(CallbackResult{Err: fmt.Errorf("invalid state token")}) {
				http.Error(w, "Invalid state token", http.StatusBadRequest)
			} else {
				http.Error(w, "Callback already processed", http.StatusBadRequest)
			}
			return
		}

		code := req.URL.Query().Get("code")
		tok, err := cfg.Exchange(req.Context(), code, oauth2.VerifierOption(verifier))
		if err != nil {
			deliver(CallbackResult{Err: fmt.Errorf("token exchange failed: %w", err)})
			http.Error(w, "Token exchange failed", http.StatusInternalServerError)
			return
		}

		creds := credentialsFromToken(tok)
		if !deliver(CallbackResult{Credentials: &creds}) {
			http.Error(w, "Callback already processed", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, successPage, creds.Label())
	})

	srv := &http.Server{Handler: r}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warn("callback server error", map[string]any{"error": err.Error()})
		}
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("callback server shutdown error", map[string]any{"error": err.Error()})
			}
		})
	}

	go func() {
		timer := time.NewTimer(CallbackTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			deliver(CallbackResult{Err: fmt.Errorf("login timed out after %v", CallbackTimeout)})
		case <-ctx.Done():
			deliver(CallbackResult{Err: ctx.Err()})
		}
		cleanup()
	}()

	log.Info("callback server listening", map[string]any{"port": port})
	return &LoginSession{AuthURL: authURL, Port: port, Result: resultCh, Cleanup: cleanup}, nil
}

const successPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		.success { color: #4ade80; font-size: 24px; margin-bottom: 10px; }
	</style>
</head>
<body>
	<div class="success">✅ Login Successful</div>
	<p>Account <strong>%s</strong> has been added. You can close this tab.</p>
</body>
</html>`
