package cache

import (
	"sync"
	"time"
)

// Item is a cached value with an optional expiration (unix nanos, 0 = never)
type Item struct {
	Value      interface{}
	Expiration int64
	added      int64
}

// Expired checks if the cache item has expired
func (item Item) Expired() bool {
	return item.Expiration != 0 && time.Now().UnixNano() > item.Expiration
}

// Options configures a Cache
type Options struct {
	// TTL is the default expiration; 0 keeps items until evicted
	TTL time.Duration
	// MaxItems bounds the cache; 0 means unbounded
	MaxItems int
	// CleanupInterval runs a janitor that drops expired items; 0 disables it
	CleanupInterval time.Duration
}

// Cache is a thread-safe in-memory cache with expiration. The server uses
// it for room metadata, which is read on every session start.
type Cache struct {
	mu        sync.RWMutex
	items     map[string]Item
	opts      Options
	onEvicted func(string, interface{})
	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its janitor if configured
func New(opts Options) *Cache {
	c := &Cache{
		items: make(map[string]Item),
		opts:  opts,
		stop:  make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go c.janitor(opts.CleanupInterval)
	}
	return c
}

// Set adds an item with the default expiration
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithExpiration(key, value, c.opts.TTL)
}

// SetWithExpiration adds an item with a specific expiration
func (c *Cache) SetWithExpiration(key string, value interface{}, d time.Duration) {
	now := time.Now()
	var exp int64
	if d > 0 {
		exp = now.Add(d).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.opts.MaxItems > 0 && len(c.items) >= c.opts.MaxItems {
		c.evictOldest()
	}
	c.items[key] = Item{Value: value, Expiration: exp, added: now.UnixNano()}
}

// Get retrieves an unexpired item
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.Expired() {
		return nil, false
	}
	return item.Value, true
}

// Delete removes an item
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		delete(c.items, key)
		c.evicted(key, item.Value)
	}
}

// Flush removes all items
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.items {
		c.evicted(k, v.Value)
	}
	c.items = make(map[string]Item)
}

// Count returns the number of items, including expired ones not yet purged
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// SetOnEvicted sets the callback invoked when an item leaves the cache
func (c *Cache) SetOnEvicted(f func(string, interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvicted = f
}

// Close stops the janitor
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range c.items {
		if v.Expiration > 0 && now > v.Expiration {
			delete(c.items, k)
			c.evicted(k, v.Value)
		}
	}
}

// evictOldest drops the least recently added item; mu must be held
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest int64
	first := true
	for k, v := range c.items {
		if first || v.added < oldest {
			oldestKey, oldest, first = k, v.added, false
		}
	}
	if first {
		return
	}
	item := c.items[oldestKey]
	delete(c.items, oldestKey)
	c.evicted(oldestKey, item.Value)
}

func (c *Cache) evicted(key string, value interface{}) {
	if c.onEvicted != nil {
		c.onEvicted(key, value)
	}
}
