package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache is a process-local Cache backed by a mutex-guarded map.
// Expiry is lazy: expired entries are dropped on the Get that observes
// them, and a background janitor sweeps the remainder.
type InMemoryCache struct {
	defaultTTL time.Duration

	mu    sync.RWMutex
	items map[string]*memoryEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache. A non-positive defaultTTL
// falls back to DefaultTTL. The janitor goroutine runs until Stop.
func NewInMemoryCache(defaultTTL time.Duration) *InMemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &InMemoryCache{
		defaultTTL: defaultTTL,
		items:      make(map[string]*memoryEntry),
		stop:       make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	ent, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(ent.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, ErrExpired
	}

	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.items[key] = &memoryEntry{
		value:     stored,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]*memoryEntry)
	c.mu.Unlock()
	return nil
}

// Len reports the number of entries currently held, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop terminates the janitor. The cache remains usable afterwards.
func (c *InMemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *InMemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, ent := range c.items {
		if now.After(ent.expiresAt) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}
