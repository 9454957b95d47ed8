// Package tokencache implements the lazy, single-flight bearer-token cache
// shared by every outbound call to the policy authority.
package tokencache

import (
	"context"
	"sync"
	"time"
)

// Slack is how long before expiry a token is treated as already expired,
// forcing a refresh ahead of time rather than racing the identity provider.
const Slack = 10 * time.Second

// Fetcher acquires a fresh token from the identity provider. Implementations
// typically perform an OAuth2 resource-owner-password grant.
type Fetcher interface {
	FetchToken(ctx context.Context) (token string, ttl time.Duration, err error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context) (string, time.Duration, error)

func (f FetcherFunc) FetchToken(ctx context.Context) (string, time.Duration, error) {
	return f(ctx)
}

// Cache caches one bearer token, refreshing lazily and coalescing
// concurrent refreshes into a single in-flight request.
type Cache struct {
	fetcher Fetcher
	clock   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	inflight  chan struct{} // non-nil while a refresh is running
	refreshed string
	refreshErr error
}

// New constructs a Cache backed by fetcher.
func New(fetcher Fetcher) *Cache {
	return &Cache{fetcher: fetcher, clock: time.Now}
}

// WithClock overrides the cache's clock, for deterministic tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// GetToken returns a valid bearer token, refreshing if the cached one is
// absent or within Slack of expiry. Concurrent callers during a refresh
// block on the single in-flight refresh rather than triggering parallel ones.
func (c *Cache) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.valid() {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	if c.inflight != nil {
		ch := c.inflight
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		c.mu.Lock()
		tok, err := c.refreshed, c.refreshErr
		c.mu.Unlock()
		return tok, err
	}

	ch := make(chan struct{})
	c.inflight = ch
	c.mu.Unlock()

	token, ttl, err := c.fetcher.FetchToken(ctx)

	c.mu.Lock()
	if err == nil {
		c.token = token
		c.expiresAt = c.clock().Add(ttl - Slack)
	}
	c.refreshed, c.refreshErr = token, err
	c.inflight = nil
	c.mu.Unlock()
	close(ch)

	return token, err
}

// Invalidate forces the next GetToken call to refresh, used after the
// authority rejects a token with a 401.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
}

func (c *Cache) valid() bool {
	return c.token != "" && c.clock().Before(c.expiresAt)
}
