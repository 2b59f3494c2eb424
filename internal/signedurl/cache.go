// Package signedurl caches time-limited attachment access URLs for one open
// widget instance, with a transparent raw-byte fallback when URL issuance
// fails.
package signedurl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"parley/internal/backend"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultValidity    = time.Hour
	DefaultMargin      = 10 * time.Minute
	DefaultFallbackTTL = 12 * time.Hour
)

// fallbackEntry is a locally materialized object reference used when the
// backend refuses to sign a URL. It must be released explicitly; the blob is
// not tied to backend expiry.
type fallbackEntry struct {
	url       string
	expiresAt time.Time
	release   func()
}

// Cache is the per-widget signed-URL cache. Tier one holds backend-signed
// URLs with an expiry set a safety margin before the true expiry. Tier two
// holds session-scoped blob references built from downloaded bytes. Both
// tiers are consulted through Get, so callers are agnostic to which path
// served them.
type Cache struct {
	objects backend.ObjectStore

	validity    time.Duration
	margin      time.Duration
	fallbackTTL time.Duration

	urls  geche.Geche[string, string]
	group singleflight.Group

	mu       sync.Mutex
	fallback map[string]fallbackEntry
	blobs    map[string][]byte

	now func() time.Time
}

type Config struct {
	Objects     backend.ObjectStore
	Validity    time.Duration // backend-declared validity of signed URLs
	Margin      time.Duration // refresh this long before the true expiry
	FallbackTTL time.Duration
}

func NewCache(ctx context.Context, config Config) (*Cache, error) {
	if config.Validity <= 0 {
		config.Validity = DefaultValidity
	}
	if config.Margin <= 0 {
		config.Margin = DefaultMargin
	}
	if config.FallbackTTL <= 0 {
		config.FallbackTTL = DefaultFallbackTTL
	}
	if config.Margin >= config.Validity {
		return nil, fmt.Errorf("margin %v must be smaller than validity %v", config.Margin, config.Validity)
	}

	return &Cache{
		objects:     config.Objects,
		validity:    config.Validity,
		margin:      config.Margin,
		fallbackTTL: config.FallbackTTL,
		urls:        geche.NewMapTTLCache[string, string](ctx, config.Validity-config.Margin, time.Minute),
		fallback:    make(map[string]fallbackEntry),
		blobs:       make(map[string][]byte),
		now:         time.Now,
	}, nil
}

// Get returns an access URL for the object path, issuing a fresh signed URL
// only when no live cache entry exists. Concurrent calls for the same path
// collapse into a single signing request.
func (c *Cache) Get(ctx context.Context, path string) (string, error) {
	if url, err := c.urls.Get(path); err == nil {
		return url, nil
	}
	if url, ok := c.liveFallback(path); ok {
		return url, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have filled the
		// cache while this one was queued.
		if url, err := c.urls.Get(path); err == nil {
			return url, nil
		}
		if url, ok := c.liveFallback(path); ok {
			return url, nil
		}
		return c.issue(ctx, path)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) issue(ctx context.Context, path string) (string, error) {
	url, validity, err := c.objects.SignURL(ctx, path)
	if err == nil {
		if validity >= c.validity {
			c.urls.Set(path, url)
		} else {
			// Shorter window than configured: serve once rather than risk
			// handing out an expired entry from the fixed-TTL tier.
			slog.Warn("signed url validity below configured window, not caching",
				"path", path, "validity", validity)
		}
		return url, nil
	}

	slog.Warn("url signing failed, falling back to raw download", "path", path, "error", err)
	return c.materialize(ctx, path)
}

// materialize downloads the raw bytes and registers them as a session-scoped
// blob reference under the same cache key.
func (c *Cache) materialize(ctx context.Context, path string) (string, error) {
	rc, err := c.objects.Download(ctx, path)
	if err != nil {
		return "", fmt.Errorf("fallback download failed for %s: %w", path, err)
	}
	defer func() { _ = rc.Close() }()

	content, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("fallback read failed for %s: %w", path, err)
	}

	url := "blob:parley/" + uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.fallback[path]; ok {
		old.release()
	}
	c.blobs[url] = content
	c.fallback[path] = fallbackEntry{
		url:       url,
		expiresAt: c.now().Add(c.fallbackTTL),
		release:   func() { delete(c.blobs, url) },
	}
	return url, nil
}

func (c *Cache) liveFallback(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.fallback[path]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		entry.release()
		delete(c.fallback, path)
		return "", false
	}
	return entry.url, true
}

// ResolveBlob returns the bytes behind a fallback blob reference.
func (c *Cache) ResolveBlob(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.blobs[url]
	return content, ok
}

// Clear drops both tiers and releases every fallback blob. It must be called
// on counterparty switch and on widget teardown: entries are not valid across
// conversations' authorization context, and blob references are an explicit
// resource, not something to leave to the garbage collector.
func (c *Cache) Clear() {
	for path := range c.urls.Snapshot() {
		_ = c.urls.Del(path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for path, entry := range c.fallback {
		entry.release()
		delete(c.fallback, path)
	}
}
