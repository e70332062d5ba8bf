package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestStartLoginCallbackRejectsBadState(t *testing.T) {
	session, err := StartLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer session.Cleanup()

	if !strings.Contains(session.AuthURL, "code_challenge=") {
		t.Fatalf("auth url missing PKCE challenge: %s", session.AuthURL)
	}
	if !strings.Contains(session.AuthURL, "code_challenge_method=S256") {
		t.Fatalf("auth url missing S256 method: %s", session.AuthURL)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/auth/callback?state=wrong&code=x", session.Port))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	select {
	case res := <-session.Result:
		if res.Err == nil {
			t.Fatal("expected a state validation error")
		}
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestStartLoginSecondCallbackRefused(t *testing.T) {
	session, err := StartLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer session.Cleanup()

	url := fmt.Sprintf("http://127.0.0.1:%d/auth/callback?state=wrong&code=x", session.Port)
	first, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()
	<-session.Result

	second, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("second callback status = %d, want 400", second.StatusCode)
	}
}

func TestStartLoginCleanupIdempotent(t *testing.T) {
	session, err := StartLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	session.Cleanup()
	session.Cleanup()
}
