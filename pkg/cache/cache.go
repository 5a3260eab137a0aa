// Package cache provides a small in-process TTL cache with request
// coalescing, used by read-heavy reporting endpoints.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL        time.Duration
	MaxEntries int
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Cache struct {
	mu    sync.RWMutex
	items map[string]*entry
	order []string
	opts  Options
	sf    singleflight.Group
}

func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	return &Cache{
		items: make(map[string]*entry),
		order: make([]string, 0, 64),
		opts:  opts,
	}
}

// Loader computes a value on cache miss.
type Loader func(ctx context.Context, key string) (interface{}, error)

// Get returns the cached value for key, loading it at most once per TTL
// window even under concurrent misses.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, error) {
	now := time.Now()

	// Entries are immutable after Set, so the read lock suffices here.
	c.mu.RLock()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		val := e.value
		c.mu.RUnlock()
		return val, nil
	}
	c.mu.RUnlock()

	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Another waiter may have filled the entry while we queued.
		c.mu.RLock()
		if e, ok := c.items[key]; ok && time.Now().Before(e.expiresAt) {
			v := e.value
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()

		v, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return val, err
}

// Set stores a value with the configured TTL.
func (c *Cache) Set(key string, value interface{}) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry{
		value:     value,
		expiresAt: now.Add(c.opts.TTL),
	}
	c.evictLocked()
}

// Peek returns a value without loading on miss.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Invalidate drops a key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}
