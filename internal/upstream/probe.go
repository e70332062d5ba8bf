// Package upstream is the thin HTTP surface toward the ChatGPT backend:
// a lightweight per-account health probe plus response classification into
// the shared error taxonomy.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
	"github.com/pysugar/codex-nexus/internal/logging"
)

const (
	// DefaultBaseURL is the ChatGPT backend root.
	DefaultBaseURL = "https://chatgpt.com/backend-api"
	// probeTimeout bounds one probe attempt independently of the caller.
	probeTimeout = 10 * time.Second
)

// ProbeClient checks whether an account's credentials are currently usable.
type ProbeClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

func NewProbeClient() *ProbeClient {
	return &ProbeClient{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: probeTimeout},
		log:        logging.New("upstream"),
	}
}

// WithBaseURL overrides the backend root, for tests.
func (p *ProbeClient) WithBaseURL(url string) *ProbeClient {
	p.baseURL = url
	return p
}

// Probe issues a cheap authenticated request. nil means the account can
// serve traffic right now; otherwise the error classifies what is wrong.
func (p *ProbeClient) Probe(ctx context.Context, accessToken, accountID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/me", nil)
	if err != nil {
		return errs.NewNetworkError("build probe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if accountID != "" {
		req.Header.Set("ChatGPT-Account-Id", accountID)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &errs.TimeoutError{Message: "probe", Elapsed: time.Since(start), Cause: err}
		}
		if ctx.Err() == context.Canceled {
			return ctx.Err()
		}
		return errs.NewNetworkError("probe request failed", err)
	}
	defer resp.Body.Close()

	return p.classify(resp, accountID)
}

func (p *ProbeClient) classify(resp *http.Response, accountID string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, msg := ParseErrorCode(resp)
		if msg == "" {
			msg = "credentials rejected"
		}
		return &errs.AuthError{Message: msg, AccountID: accountID, Retryable: false}
	case resp.StatusCode == http.StatusTooManyRequests:
		code, msg := ParseErrorCode(resp)
		if msg == "" {
			msg = "upstream rate limited"
		}
		return &errs.RateLimitError{
			Message:      msg,
			RetryAfterMs: ParseRetryDelay(resp).Milliseconds(),
			AccountID:    accountID,
			Code:         code,
		}
	default:
		code, msg := ParseErrorCode(resp)
		if msg == "" {
			msg = fmt.Sprintf("probe returned %s", resp.Status)
		}
		return &errs.ApiError{Message: msg, Status: resp.StatusCode, Code: code}
	}
}
