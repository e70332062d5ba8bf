package errs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestApiErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		if got := NewApiError("x", tc.status).Retryable(); got != tc.want {
			t.Fatalf("status %d retryable = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestUnwrapChain(t *testing.T) {
	root := errors.New("connection reset")
	err := NewNetworkError("upstream call", root)
	if !errors.Is(err, root) {
		t.Fatal("NetworkError must unwrap to its cause")
	}

	wrapped := fmt.Errorf("while probing: %w", err)
	var netErr *NetworkError
	if !errors.As(wrapped, &netErr) {
		t.Fatal("NetworkError must survive fmt wrapping")
	}
}

func TestStorageErrorClassification(t *testing.T) {
	cases := []struct {
		cause error
		code  string
	}{
		{syscall.EACCES, CodeAccessDenied},
		{syscall.EPERM, CodeNotPermitted},
		{syscall.EBUSY, CodeBusy},
		{syscall.ENOSPC, CodeNoSpace},
		{errors.New("something else"), CodeUnknown},
	}
	for _, tc := range cases {
		wrapped := &os.PathError{Op: "open", Path: "/tmp/x", Err: tc.cause}
		se := NewStorageError("write failed", "/tmp/x", wrapped)
		if se.Code != tc.code {
			t.Fatalf("cause %v classified %s, want %s", tc.cause, se.Code, tc.code)
		}
		if se.Hint == "" {
			t.Fatalf("code %s must carry a hint", se.Code)
		}
	}
}

func TestEmptyWriteError(t *testing.T) {
	se := NewEmptyWriteError("/tmp/accounts.json")
	if se.Code != CodeEmptyWrite {
		t.Fatalf("code = %s", se.Code)
	}
	if !strings.Contains(se.Error(), "/tmp/accounts.json") {
		t.Fatalf("message should name the path: %s", se.Error())
	}
}

func TestAuthRateLimitErrorMessage(t *testing.T) {
	err := &AuthRateLimitError{Key: "dev@example.com", AttemptsRemaining: 0, ResetAfterMs: 55_000}
	if !strings.Contains(err.Error(), "55s") {
		t.Fatalf("message should carry the reset window: %s", err.Error())
	}
}
