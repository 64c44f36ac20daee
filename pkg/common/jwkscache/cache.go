package jwkscache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"golang.org/x/sync/singleflight"
)

// Cache resolves Platform JWKS URLs to key sets, honouring HTTP caching headers.
type Cache interface {
	Get(ctx context.Context, url string) (jwk.Set, error)
	Invalidate(url string)
}

type entry struct {
	set             jwk.Set
	expiry          time.Time
	allowStaleUntil time.Time
	etag            string
}

// HTTPCache is an in-memory JWKS cache. Concurrent misses for the same URL share one fetch.
type HTTPCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	client     *http.Client
	group      singleflight.Group
	defaultTTL time.Duration
	staleGrace time.Duration
	now        func() time.Time
}

// New creates a cache. defaultTTL applies when the response carries no caching directive;
// staleGrace allows serving the last good set while the Platform's JWKS endpoint is failing.
func New(client *http.Client, defaultTTL, staleGrace time.Duration) *HTTPCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPCache{
		entries:    make(map[string]*entry),
		client:     client,
		defaultTTL: defaultTTL,
		staleGrace: staleGrace,
		now:        time.Now,
	}
}

// Invalidate drops the cached set for url so the next Get refetches it.
func (c *HTTPCache) Invalidate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}

func (c *HTTPCache) Get(ctx context.Context, url string) (jwk.Set, error) {
	c.mu.RLock()
	e := c.entries[url]
	c.mu.RUnlock()
	if e != nil && c.now().Before(e.expiry) {
		return e.set, nil
	}

	// The shared fetch outlives any single caller; it is bounded by the client timeout.
	ch := c.group.DoChan(url, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx), url, e)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	}
}

func (c *HTTPCache) fetch(ctx context.Context, url string, prev *entry) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.stale(url, prev, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if prev == nil {
			return nil, fmt.Errorf("jwkscache: 304 for %s without cached entry", url)
		}
		exp, stale := c.expiry(resp.Header)
		c.store(url, &entry{set: prev.set, expiry: exp, allowStaleUntil: stale, etag: prev.etag})
		return prev.set, nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return c.stale(url, prev, err)
		}
		set, err := jwk.Parse(body)
		if err != nil {
			return nil, fmt.Errorf("jwkscache: parse %s: %w", url, err)
		}
		exp, stale := c.expiry(resp.Header)
		c.store(url, &entry{set: set, expiry: exp, allowStaleUntil: stale, etag: resp.Header.Get("ETag")})
		return set, nil
	default:
		return c.stale(url, prev, fmt.Errorf("jwkscache: unexpected status %d from %s", resp.StatusCode, url))
	}
}

func (c *HTTPCache) stale(url string, prev *entry, cause error) (jwk.Set, error) {
	if prev != nil && c.now().Before(prev.allowStaleUntil) {
		logger.Warn("jwkscache: serving stale key set for %s: %v", url, cause)
		return prev.set, nil
	}
	return nil, cause
}

func (c *HTTPCache) store(url string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = e
}

func (c *HTTPCache) expiry(h http.Header) (expiry, allowStaleUntil time.Time) {
	now := c.now()
	cc := parseCacheControl(h.Get("Cache-Control"))
	if _, ok := cc["no-store"]; ok {
		return now, now
	}
	if maxAge, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(maxAge); err == nil {
			exp := now.Add(time.Duration(secs) * time.Second)
			return exp, exp.Add(c.staleGrace)
		}
	}
	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t, t.Add(c.staleGrace)
		}
	}
	exp := now.Add(c.defaultTTL)
	return exp, exp.Add(c.staleGrace)
}

func parseCacheControl(v string) map[string]string {
	m := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		p := strings.TrimSpace(strings.ToLower(part))
		if p == "" {
			continue
		}
		name, val, _ := strings.Cut(p, "=")
		m[name] = val
	}
	return m
}
