// Package promptcache fetches the upstream system prompt and keeps a cached
// copy so a flaky CDN never blocks request handling. Entries are reused
// within a TTL, revalidated with If-None-Match after it, and the last good
// copy is served stale when every source fails. An optional disk mirror
// keeps the last good copy across restarts.
package promptcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pysugar/codex-nexus/internal/errs"
	"github.com/pysugar/codex-nexus/internal/logging"
)

const (
	// DefaultTTL is how long a fetched prompt is served without contacting
	// the source again.
	DefaultTTL = 15 * time.Minute
	// EnvPromptURL overrides the primary source URL.
	EnvPromptURL = "OPENCODE_CODEX_PROMPT_URL"

	maxPromptBytes = 4 << 20
)

// DefaultURLs are tried in order until one answers.
var DefaultURLs = []string{
	"https://raw.githubusercontent.com/openai/codex/main/codex-rs/core/prompt.md",
	"https://cdn.jsdelivr.net/gh/openai/codex@main/codex-rs/core/prompt.md",
}

type entry struct {
	body      string
	etag      string
	fetchedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	urls       []string
	ttl        time.Duration
	mirror     string
	httpClient *http.Client
	log        *logging.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *entry
}

func New() *Cache {
	urls := DefaultURLs
	if override := os.Getenv(EnvPromptURL); override != "" {
		urls = append([]string{override}, DefaultURLs...)
	}
	return &Cache{
		urls:       urls,
		ttl:        DefaultTTL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        logging.New("promptcache"),
		now:        time.Now,
	}
}

// WithURLs overrides the source list, for tests.
func (c *Cache) WithURLs(urls ...string) *Cache {
	c.urls = urls
	return c
}

// WithTTL overrides the freshness window.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	c.ttl = ttl
	return c
}

// WithNow overrides the clock, for tests.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.now = now
	return c
}

// WithMirror keeps a copy of the last good prompt at path so a restart does
// not lose it. Mirror writes are best effort.
func (c *Cache) WithMirror(path string) *Cache {
	c.mirror = path
	return c
}

// Get returns the prompt body. Within the TTL the cached copy is returned
// without any network traffic. After it, the primary source is revalidated
// with If-None-Match; on failure each fallback is tried in order, and as a
// last resort the stale copy is served.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && c.now().Sub(c.last.fetchedAt) < c.ttl {
		return c.last.body, nil
	}

	var lastErr error
	for i, url := range c.urls {
		etag := ""
		if c.last != nil && i == 0 {
			etag = c.last.etag
		}
		body, newETag, notModified, err := c.fetch(ctx, url, etag)
		if err != nil {
			c.log.Debug("prompt fetch failed", map[string]any{"url": url, "error": err.Error()})
			lastErr = err
			continue
		}
		if notModified {
			c.last.fetchedAt = c.now()
			return c.last.body, nil
		}
		c.last = &entry{body: body, etag: newETag, fetchedAt: c.now()}
		c.writeMirror(body)
		return body, nil
	}

	if c.last != nil {
		c.log.Warn("all prompt sources failed, serving stale copy", map[string]any{
			"age": c.now().Sub(c.last.fetchedAt).String(),
		})
		return c.last.body, nil
	}
	if body, ok := c.readMirror(); ok {
		c.log.Warn("all prompt sources failed, serving mirrored copy", map[string]any{"path": c.mirror})
		// Zero fetchedAt keeps the copy stale: the next Get retries the sources.
		c.last = &entry{body: body}
		return body, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errs.NewNetworkError("no prompt sources configured", nil)
}

func (c *Cache) writeMirror(body string) {
	if c.mirror == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.mirror), 0o700); err != nil {
		c.log.Debug("failed to create mirror directory", map[string]any{"path": c.mirror, "error": err.Error()})
		return
	}
	if err := os.WriteFile(c.mirror, []byte(body), 0o600); err != nil {
		c.log.Debug("failed to mirror prompt", map[string]any{"path": c.mirror, "error": err.Error()})
	}
}

func (c *Cache) readMirror() (string, bool) {
	if c.mirror == "" {
		return "", false
	}
	data, err := os.ReadFile(c.mirror)
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (c *Cache) fetch(ctx context.Context, url, etag string) (body, newETag string, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", false, errs.NewNetworkError("build prompt request", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", false, errs.NewNetworkError(fmt.Sprintf("fetch %s", url), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return "", "", true, nil
	case resp.StatusCode != http.StatusOK:
		return "", "", false, errs.NewApiError(fmt.Sprintf("prompt fetch from %s", url), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPromptBytes))
	if err != nil {
		return "", "", false, errs.NewNetworkError("read prompt body", err)
	}
	return string(data), resp.Header.Get("ETag"), false, nil
}
