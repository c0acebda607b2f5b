// Package cache provides the in-memory result cache and the structured step logger.
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// InMemoryCache is a thread-safe TTL cache with an optional entry cap.
type InMemoryCache struct {
	store      map[string]cacheItem
	mutex      sync.RWMutex
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
	logger     Logger
}

type cacheItem struct {
	value      interface{}
	expiration int64
}

// Option configures an InMemoryCache.
type Option func(*InMemoryCache)

// WithMaxEntries caps the number of stored entries. When full, expired entries
// are evicted first, then the entry closest to expiry.
func WithMaxEntries(n int) Option {
	return func(c *InMemoryCache) {
		c.maxEntries = n
	}
}

// WithLogger attaches a structured logger for cache events.
func WithLogger(logger Logger) Option {
	return func(c *InMemoryCache) {
		c.logger = logger
	}
}

// NewInMemoryCache creates a new in-memory cache with a default TTL.
func NewInMemoryCache(defaultTTL time.Duration, opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		store: make(map[string]cacheItem),
		ttl:   defaultTTL,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if time.Now().UnixNano() > item.expiration {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.store[key]; !exists && c.maxEntries > 0 && len(c.store) >= c.maxEntries {
		c.evictLocked()
	}

	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	if c.logger != nil {
		c.logger.Info("Cache item set", map[string]interface{}{"key": key})
	}
	return nil
}

// Delete removes an item from the cache.
func (c *InMemoryCache) Delete(key string) {
	c.mutex.Lock()
	delete(c.store, key)
	c.mutex.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the background cleanup goroutine.
func (c *InMemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictLocked frees one slot. Caller holds the write lock.
func (c *InMemoryCache) evictLocked() {
	now := time.Now().UnixNano()
	victim := ""
	var soonest int64
	for key, item := range c.store {
		if now > item.expiration {
			delete(c.store, key)
			return
		}
		if victim == "" || item.expiration < soonest {
			victim, soonest = key, item.expiration
		}
	}
	if victim != "" {
		delete(c.store, victim)
		log.Printf("Cache full, evicted entry (key: %s, max_entries: %d)", victim, c.maxEntries)
	}
}

// cleanupLoop periodically removes expired items until Close is called.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
