// Package oauth implements the OpenAI login and refresh flows that feed the
// account pool: a PKCE browser login completed by a loopback callback
// server, and refresh-token renewal with permanent versus transient failure
// classification.
package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const (
	// AuthURL is the OpenAI OAuth authorization endpoint.
	AuthURL = "https://auth.openai.com/oauth/authorize"
	// TokenURL is the OpenAI OAuth token endpoint.
	TokenURL = "https://auth.openai.com/oauth/token"
	// ClientID is the Codex CLI client ID.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	// PreferredCallbackPort is the loopback port the Codex CLI registers as
	// a redirect URI. When taken, the server falls back to a random port.
	PreferredCallbackPort = 1455
	// CallbackTimeout is how long the callback server waits for the browser.
	CallbackTimeout = 5 * time.Minute
	// RefreshMargin is how early a token is refreshed before its expiry.
	RefreshMargin = 5 * time.Minute
)

// Credentials is the parsed outcome of a login or refresh.
type Credentials struct {
	AccountID    string
	Email        string
	PlanType     string
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// NewConfig builds the oauth2 config for a given redirect URL.
func NewConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    ClientID,
		RedirectURL: redirectURL,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  AuthURL,
			TokenURL: TokenURL,
		},
	}
}

// NewStateToken returns a fresh CSRF state token.
func NewStateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// credentialsFromToken extracts account identity from a token response.
// The account id comes from the id_token claims; expiry from the access
// token when the response carries none.
func credentialsFromToken(tok *oauth2.Token) Credentials {
	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		creds.IDToken = idToken
		if claims, err := ParseJWT(idToken); err == nil {
			creds.Email = claims.Email
			creds.AccountID = claims.AuthInfo.ChatGPTAccountID
			creds.PlanType = claims.AuthInfo.ChatGPTPlanType
		}
	}
	if creds.ExpiresAt.IsZero() {
		if claims, err := ParseJWT(tok.AccessToken); err == nil && claims.Exp > 0 {
			creds.ExpiresAt = time.Unix(claims.Exp, 0)
		}
	}
	return creds
}

// NeedsRefresh reports whether the credentials expire within the margin.
func (c Credentials) NeedsRefresh(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt.Add(-RefreshMargin))
}

// Label is the display identity: email when known, else the account id.
func (c Credentials) Label() string {
	if c.Email != "" {
		return c.Email
	}
	if c.AccountID != "" {
		return c.AccountID
	}
	return fmt.Sprintf("token…%s", tail(c.RefreshToken, 4))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
