package logging

import (
	"regexp"
	"strings"
)

// maxSanitizeDepth bounds recursion so cyclic structures cannot hang the logger.
const maxSanitizeDepth = 10

const maskToken = "***MASKED***"

var (
	jwtPattern    = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)?`)
	hexPattern    = regexp.MustCompile(`[0-9a-fA-F]{40,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	punctPattern  = regexp.MustCompile(`[^a-z0-9]`)
)

// sensitiveKeys match on the lowercased, punctuation-stripped field name.
var sensitiveKeys = map[string]bool{
	"access":        true,
	"accesstoken":   true,
	"refresh":       true,
	"refreshtoken":  true,
	"token":         true,
	"authorization": true,
	"apikey":        true,
	"secret":        true,
	"password":      true,
	"credential":    true,
	"idtoken":       true,
	"email":         true,
	"accountid":     true,
}

// RedactString scrubs token-shaped substrings out of free text.
func RedactString(s string) string {
	s = jwtPattern.ReplaceAllString(s, maskToken)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+maskToken)
	s = apiKeyPattern.ReplaceAllString(s, maskToken)
	s = hexPattern.ReplaceAllString(s, maskToken)
	s = emailPattern.ReplaceAllString(s, maskToken)
	return s
}

// MaskValue hides a secret while keeping enough shape to correlate logs.
func MaskValue(v string) string {
	if len(v) <= 12 {
		return maskToken
	}
	return v[:6] + "…" + v[len(v)-4:]
}

func isSensitiveKey(key string) bool {
	normalized := punctPattern.ReplaceAllString(strings.ToLower(key), "")
	return sensitiveKeys[normalized]
}

// Sanitize walks an arbitrary value and masks sensitive keys and
// token-shaped strings. Depth is capped; anything deeper is dropped.
func Sanitize(v any) any {
	return sanitizeValue(v, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth >= maxSanitizeDepth {
		return "…"
	}
	switch t := v.(type) {
	case string:
		return RedactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				if s, ok := val.(string); ok && s != "" {
					out[k] = MaskValue(s)
				} else if val != nil {
					out[k] = maskToken
				}
				continue
			}
			out[k] = sanitizeValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val, depth+1)
		}
		return out
	case error:
		return RedactString(t.Error())
	default:
		return t
	}
}
