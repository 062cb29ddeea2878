package cache

import (
	"context"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/actor"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a short-lived in-memory store with per-entry expiration.
// All entries are owned by a single actor loop.
type Cache[K comparable, V any] struct {
	loop    *actor.Loop
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
}

type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		loop:    actor.New(),
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the value for key if it is present and not expired.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var (
		val V
		ok  bool
	)

	_ = c.loop.Do(ctx, func() {
		e, found := c.entries[key]
		if !found {
			return
		}

		if !c.now().Before(e.expiresAt) {
			delete(c.entries, key)
			return
		}

		val, ok = e.value, true
	})

	return val, ok
}

func (c *Cache[K, V]) Set(ctx context.Context, key K, val V) {
	_ = c.loop.Do(ctx, func() {
		c.entries[key] = entry[V]{value: val, expiresAt: c.now().Add(c.ttl)}
	})
}

// Update applies fn to the current value under the owning loop. fn receives the zero
// value and false when the key is absent or expired; returning false from fn deletes the key.
func (c *Cache[K, V]) Update(ctx context.Context, key K, fn func(cur V, ok bool) (V, bool)) {
	_ = c.loop.Do(ctx, func() {
		e, found := c.entries[key]
		if found && !c.now().Before(e.expiresAt) {
			found = false
		}

		next, keep := fn(e.value, found)
		if !keep {
			delete(c.entries, key)
			return
		}

		c.entries[key] = entry[V]{value: next, expiresAt: c.now().Add(c.ttl)}
	})
}

func (c *Cache[K, V]) Delete(ctx context.Context, key K) {
	_ = c.loop.Do(ctx, func() { delete(c.entries, key) })
}

// Values returns a snapshot of every live entry.
func (c *Cache[K, V]) Values(ctx context.Context) []V {
	var out []V

	_ = c.loop.Do(ctx, func() {
		now := c.now()
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
				continue
			}

			out = append(out, e.value)
		}
	})

	return out
}

func (c *Cache[K, V]) Len(ctx context.Context) int {
	var n int

	_ = c.loop.Do(ctx, func() { n = len(c.entries) })

	return n
}

// Close stops the owning loop. The cache must not be used afterwards.
func (c *Cache[K, V]) Close() {
	c.loop.Stop()
}
