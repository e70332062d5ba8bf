package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// JWTClaims is the payload section of an OpenAI JWT.
type JWTClaims struct {
	Email    string   `json:"email"`
	Exp      int64    `json:"exp"`
	Iat      int64    `json:"iat"`
	AuthInfo AuthInfo `json:"https://api.openai.com/auth"`
}

// AuthInfo carries the ChatGPT account details embedded in the claims.
type AuthInfo struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTPlanType  string `json:"chatgpt_plan_type"` // plus, pro, team
	ChatGPTUserID    string `json:"chatgpt_user_id"`
}

// ParseJWT extracts the claims of a JWT without verifying the signature.
// The tokens come straight from the OAuth endpoint over TLS; verification
// is the upstream's job.
func ParseJWT(token string) (*JWTClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload := parts[1]
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims JWTClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}
	return &claims, nil
}
