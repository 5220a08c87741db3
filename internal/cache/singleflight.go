package cache

import (
	"context"
	"sync"
	"time"
)

// inflight is a pending cache slot: the first caller to miss on a given key
// starts the dispatch and every concurrent caller for the same key waits on
// it instead of issuing its own upstream request.
type inflight struct {
	wg    sync.WaitGroup
	val   []byte
	found bool
}

// Coalescer wraps a Cache with single-flight dedup on the miss path. A cache
// entry's lifecycle is Miss -> Pending -> Resolved: the first miss for a key
// creates a Pending inflight slot, every other concurrent miss for the same
// key waits on that slot instead of dispatching again, and once the
// original caller resolves it the slot is removed and the result (or
// not-found) is fanned out to every waiter.
type Coalescer struct {
	cache Cache

	mu      sync.Mutex
	pending map[string]*inflight
}

// NewCoalescer wraps cache with single-flight miss coalescing.
func NewCoalescer(cache Cache) *Coalescer {
	return &Coalescer{cache: cache, pending: make(map[string]*inflight)}
}

// Load returns the cached value for key if present. If absent, it reports
// whether the caller became the leader for that key: leader == true means
// the caller must compute the value and call Resolve or Abandon; leader ==
// false means another goroutine is already computing it and the call has
// blocked until that result was ready, returning it directly.
func (c *Coalescer) Load(ctx context.Context, key string) (val []byte, found bool, leader bool) {
	if val, ok := c.cache.Get(ctx, key); ok {
		return val, true, false
	}

	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		p.wg.Wait()
		return p.val, p.found, false
	}

	p := &inflight{}
	p.wg.Add(1)
	c.pending[key] = p
	c.mu.Unlock()

	return nil, false, true
}

// Resolve completes the pending slot for key, opened by a prior Load that
// returned leader == true, storing val in the underlying cache with ttl and
// releasing every goroutine blocked in Load for this key with the same
// result.
func (c *Coalescer) Resolve(ctx context.Context, key string, val []byte, ttl time.Duration) {
	p := c.clearPending(key)
	if p == nil {
		return
	}
	c.cache.Set(ctx, key, val, ttl)
	p.val = val
	p.found = true
	p.wg.Done()
}

// Abandon releases the pending slot for key without caching anything,
// fanning out a not-found result to every waiter. Used when the leader's
// dispatch fails and the result must not be cached (e.g. a transient
// upstream error rather than a definitive response).
func (c *Coalescer) Abandon(key string) {
	p := c.clearPending(key)
	if p == nil {
		return
	}
	p.wg.Done()
}

// Purge clears the underlying cache, used by the admin cache-purge
// endpoint. Pending in-flight leaders are left alone -- they still resolve
// and populate whatever is left behind, rather than racing a reset.
func (c *Coalescer) Purge(ctx context.Context) {
	c.cache.Purge(ctx)
}

func (c *Coalescer) clearPending(key string) *inflight {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return p
}
