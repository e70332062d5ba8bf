package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// errorBody is the OpenAI-style error envelope on 4xx responses.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseRetryDelay extracts a retry duration from a 429 response: the
// Retry-After header first, then an x-ratelimit-reset-* header. Returns 0
// when the response carries no hint.
// NOTE: reads and restores the response body when it has to.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	for _, h := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if v := resp.Header.Get(h); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return 0
}

// ParseErrorCode extracts the upstream error code from a non-2xx body,
// restoring the body afterwards.
func ParseErrorCode(resp *http.Response) (code, message string) {
	if resp == nil || resp.Body == nil {
		return "", ""
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", ""
	}
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	var body errorBody
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return "", ""
	}
	code = body.Error.Code
	if code == "" {
		code = body.Error.Type
	}
	return code, body.Error.Message
}
