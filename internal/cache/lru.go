package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

const (
	tierNormal = iota
	tierPinned
)

// LRUCache is an in-process, size-bounded cache with per-entry expiry.
// Entries sit in one of two recency lists. Eviction drains the normal
// tier before it touches a pinned entry. A non-positive TTL means the
// entry never expires.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	tiers    [2]*list.List
	now      func() time.Time
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
	tier    int
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewLRUCache returns an empty cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	c := &LRUCache{capacity: capacity, now: time.Now}
	c.reset()
	return c
}

func (c *LRUCache) reset() {
	c.index = make(map[string]*list.Element, c.capacity)
	c.tiers = [2]*list.List{list.New(), list.New()}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if e.expired(c.now()) {
		c.unlink(elem)
		return nil, nil
	}
	c.tiers[e.tier].MoveToFront(elem)
	return e.value, nil
}

func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.put(key, value, ttl, tierNormal)
	return nil
}

func (c *LRUCache) SetPinned(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.put(key, value, ttl, tierPinned)
	return nil
}

func (c *LRUCache) put(key string, value []byte, ttl time.Duration, tier int) {
	e := &lruEntry{key: key, value: value, tier: tier}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index[key]; ok {
		c.unlink(old)
	}
	c.index[key] = c.tiers[tier].PushFront(e)

	for len(c.index) > c.capacity {
		victim := c.tiers[tierNormal].Back()
		if victim == nil {
			victim = c.tiers[tierPinned].Back()
		}
		c.unlink(victim)
	}
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.unlink(elem)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry. The cache stays usable afterwards.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// Stats returns the number of live slots and the configured capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index), c.capacity
}

func (c *LRUCache) unlink(elem *list.Element) {
	e := elem.Value.(*lruEntry)
	c.tiers[e.tier].Remove(elem)
	delete(c.index, e.key)
}
