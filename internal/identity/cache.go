package identity

import (
	"context"
	"sync"

	"aelita/internal/store"
)

type cacheKey struct{}

// requestCache memoizes principal lookups for the lifetime of one request
type requestCache struct {
	mu      sync.Mutex
	entries map[int64]*store.Principal
}

// WithRequestCache returns a context carrying a fresh principal cache. The
// HTTP surface derives one per request, so nothing is shared between requests.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, &requestCache{entries: make(map[int64]*store.Principal)})
}

// cacheFrom returns the request's cache, or nil when there is none. The
// methods below treat a nil cache as always empty.
func cacheFrom(ctx context.Context) *requestCache {
	c, _ := ctx.Value(cacheKey{}).(*requestCache)
	return c
}

func (c *requestCache) get(id int64) (*store.Principal, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	return p, ok
}

func (c *requestCache) put(id int64, p *store.Principal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = p
}

func (c *requestCache) forget(id int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
