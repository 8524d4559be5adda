// Package coalesce provides the fetch-if-stale primitive shared by every
// cache in the service: a TTL'd result cache in front of a single-flight
// group, so any number of concurrent readers of one key cost at most one
// upstream call per refresh cycle.
package coalesce

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher loads the value for a key from upstream.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options tune a single Fetch call.
type Options struct {
	// Force bypasses a fresh cache entry and always goes upstream
	// (still coalesced with other in-flight callers).
	Force bool
	// TTL overrides the coalescer's default freshness window.
	TTL time.Duration
}

type entry[T any] struct {
	data      T
	fetchedAt time.Time
	ttl       time.Duration
}

// Coalescer caches fetch results per key and merges concurrent fetches of
// the same key into one upstream call. All callers of one flight receive
// the identical result value.
type Coalescer[T any] struct {
	mu         sync.Mutex
	entries    map[string]entry[T]
	group      singleflight.Group
	defaultTTL time.Duration
	now        func() time.Time
}

// New builds a coalescer with the given default TTL. now may be nil.
func New[T any](defaultTTL time.Duration, now func() time.Time) *Coalescer[T] {
	if now == nil {
		now = time.Now
	}
	return &Coalescer[T]{
		entries:    make(map[string]entry[T]),
		defaultTTL: defaultTTL,
		now:        now,
	}
}

// Fetch returns the cached value for key if fresh, joins an in-flight
// fetch if one exists, and otherwise calls fetcher. A failed fetch leaves
// no residue: the next call starts a new flight.
func (c *Coalescer[T]) Fetch(ctx context.Context, key string, opts Options, fetcher Fetcher[T]) (T, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if !opts.Force {
		if data, ok := c.fresh(key); ok {
			return data, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A fetch that finished while we queued behind the flight lock
		// already refreshed the entry; don't hit upstream again.
		if !opts.Force {
			if data, ok := c.fresh(key); ok {
				return data, nil
			}
		}
		data, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[T]{data: data, fetchedAt: c.now(), ttl: ttl}
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the cached value for key regardless of freshness. Used by
// stale-tolerant reads when an upstream refresh fails.
func (c *Coalescer[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.data, ok
}

// Invalidate drops the cached entry and detaches any in-flight fetch for
// key, so the next Fetch goes upstream.
func (c *Coalescer[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// InvalidateAll drops every cached entry.
func (c *Coalescer[T]) InvalidateAll() {
	c.mu.Lock()
	for key := range c.entries {
		delete(c.entries, key)
		c.group.Forget(key)
	}
	c.mu.Unlock()
}

func (c *Coalescer[T]) fresh(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= e.ttl {
		var zero T
		return zero, false
	}
	return e.data, true
}
