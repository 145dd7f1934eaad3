package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// NoExpiry disables expiry for a cache or a single lookup.
const NoExpiry time.Duration = 0

// cacheEntry is never mutated in place; a refresh replaces it.
type cacheEntry[V any] struct {
	value      V
	recordedAt time.Time
}

// Cache maps keys to values stamped with the time they were computed.
// Entries expire lazily: a stale entry is only replaced on the next lookup
// for its key. Safe for concurrent use.
//
// Concurrent misses for the same key are not de-duplicated. Every caller
// that misses runs compute and the last successful writer wins.
type Cache[K comparable, V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		o.now = now
	}
}

// NewCache creates a named cache with a default TTL. A ttl of NoExpiry keeps
// entries until they are invalidated.
func NewCache[K comparable, V any](name string, ttl time.Duration, opts ...CacheOption) (*Cache[K, V], error) {
	if ttl < 0 {
		return nil, NewConfigurationError(fmt.Sprintf("cache %q: ttl must not be negative, got %s", name, ttl), nil)
	}
	o := cacheOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		name:    name,
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]cacheEntry[V]),
	}, nil
}

// Name returns the cache name.
func (c *Cache[K, V]) Name() string { return c.name }

// TTL returns the default time-to-live.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// GetOrCompute returns the cached value for key if it is younger than the
// cache TTL, otherwise it runs compute and caches a successful result.
func (c *Cache[K, V]) GetOrCompute(ctx context.Context, key K, compute Operation[V]) (V, error) {
	return c.GetOrComputeTTL(ctx, key, c.ttl, compute)
}

// GetOrComputeTTL is GetOrCompute with an explicit TTL for this lookup.
// A failing compute is never cached.
func (c *Cache[K, V]) GetOrComputeTTL(ctx context.Context, key K, ttl time.Duration, compute Operation[V]) (V, error) {
	var zero V
	if ttl < 0 {
		return zero, NewConfigurationError(fmt.Sprintf("cache %q: ttl must not be negative, got %s", c.name, ttl), nil)
	}
	if v, ok := any(key).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return zero, NewConfigurationError(fmt.Sprintf("cache %q: invalid key", c.name), err)
		}
	}

	obs := ObserverFromContext(ctx)
	if value, ok := c.lookup(key, ttl); ok {
		obs.ObserveCacheLookup(c.name, true)
		log.Trace().Str("cache", c.name).Interface("key", key).Msg("cache hit")
		return value, nil
	}
	obs.ObserveCacheLookup(c.name, false)

	value, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, recordedAt: c.now()}
	c.mu.Unlock()

	return value, nil
}

// Get returns the value for key if a valid entry exists under the cache TTL.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lookup(key, c.ttl)
}

func (c *Cache[K, V]) lookup(key K, ttl time.Duration) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if ttl != NoExpiry && c.now().Sub(entry.recordedAt) >= ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Invalidate drops the entry for key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones that have
// not been replaced yet.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
