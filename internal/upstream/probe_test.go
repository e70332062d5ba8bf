package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
)

func TestProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Fatalf("authorization = %q", got)
		}
		if got := r.Header.Get("ChatGPT-Account-Id"); got != "acct-1" {
			t.Fatalf("account header = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewProbeClient().WithBaseURL(srv.URL).Probe(context.Background(), "at-1", "acct-1"); err != nil {
		t.Fatal(err)
	}
}

func TestProbeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"invalid_token","message":"token expired"}}`)
	}))
	defer srv.Close()

	err := NewProbeClient().WithBaseURL(srv.URL).Probe(context.Background(), "at-dead", "acct-1")
	var authErr *errs.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %T, want AuthError", err)
	}
	if authErr.Retryable {
		t.Fatal("401 must not be retryable")
	}
	if authErr.AccountID != "acct-1" {
		t.Fatalf("account id = %q", authErr.AccountID)
	}
}

func TestProbeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"usage_limit_reached","message":"weekly limit hit"}}`)
	}))
	defer srv.Close()

	err := NewProbeClient().WithBaseURL(srv.URL).Probe(context.Background(), "at-1", "acct-1")
	var rle *errs.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("got %T, want RateLimitError", err)
	}
	if rle.RetryAfterMs != 45_000 {
		t.Fatalf("retry after = %dms, want 45000", rle.RetryAfterMs)
	}
	if rle.Code != "usage_limit_reached" {
		t.Fatalf("code = %q", rle.Code)
	}
}

func TestProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewProbeClient().WithBaseURL(srv.URL).Probe(context.Background(), "at-1", "")
	var apiErr *errs.ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %T, want ApiError", err)
	}
	if !apiErr.Retryable() {
		t.Fatal("502 should be retryable")
	}
}

func TestProbeCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := NewProbeClient().WithBaseURL(srv.URL).Probe(ctx, "at-1", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestParseRetryDelayHeaderForms(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "30")
	if got := ParseRetryDelay(resp); got != 30*time.Second {
		t.Fatalf("seconds form = %v", got)
	}

	resp = &http.Response{Header: http.Header{}}
	resp.Header.Set("x-ratelimit-reset-requests", "1.5s")
	if got := ParseRetryDelay(resp); got != 1500*time.Millisecond {
		t.Fatalf("ratelimit reset form = %v", got)
	}

	if got := ParseRetryDelay(&http.Response{Header: http.Header{}}); got != 0 {
		t.Fatalf("no hint = %v, want 0", got)
	}
	if got := ParseRetryDelay(nil); got != 0 {
		t.Fatalf("nil response = %v, want 0", got)
	}
}
