package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
)

// Refresher renews access tokens from refresh tokens.
type Refresher struct {
	tokenURL   string
	clientID   string
	httpClient *http.Client
}

func NewRefresher() *Refresher {
	return &Refresher{
		tokenURL:   TokenURL,
		clientID:   ClientID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithEndpoint overrides the token endpoint, for tests.
func (r *Refresher) WithEndpoint(tokenURL string) *Refresher {
	r.tokenURL = tokenURL
	return r
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges a refresh token for fresh credentials. Failures are
// classified so the pool can tell a dead refresh token (drop the account)
// from a transient outage (keep it and retry later).
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	form := url.Values{
		"client_id":     {r.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.NewNetworkError("build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errs.TimeoutError{Message: "token refresh", Cause: err}
		}
		return nil, errs.NewNetworkError("token refresh request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshFailure(resp, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &errs.ApiError{Message: "malformed token response", Status: resp.StatusCode, Cause: err}
	}

	creds := Credentials{
		AccessToken: tok.AccessToken,
		IDToken:     tok.IDToken,
		// The endpoint may rotate the refresh token; keep the old one when
		// it does not.
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}
	if claims, err := ParseJWT(tok.IDToken); err == nil {
		creds.Email = claims.Email
		creds.AccountID = claims.AuthInfo.ChatGPTAccountID
		creds.PlanType = claims.AuthInfo.ChatGPTPlanType
	}
	return &creds, nil
}

// classifyRefreshFailure maps a non-200 token response onto the error
// taxonomy. invalid_grant means the refresh token is revoked or expired,
// which no retry can fix.
func classifyRefreshFailure(resp *http.Response, body []byte) error {
	var errBody tokenErrorBody
	_ = json.Unmarshal(body, &errBody)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errs.RateLimitError{
			Message:      "token endpoint rate limited",
			RetryAfterMs: retryAfterMs(resp.Header.Get("Retry-After")),
			Code:         errBody.Error,
		}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg := errBody.ErrorDescription
		if msg == "" {
			msg = "refresh token rejected"
		}
		return &errs.AuthError{Message: msg, Retryable: false}
	default:
		return &errs.ApiError{
			Message: "token refresh failed",
			Status:  resp.StatusCode,
			Code:    errBody.Error,
		}
	}
}

func retryAfterMs(header string) int64 {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return int64(secs) * 1000
	}
	if at, err := http.ParseTime(header); err == nil {
		if ms := time.Until(at).Milliseconds(); ms > 0 {
			return ms
		}
	}
	return 0
}
