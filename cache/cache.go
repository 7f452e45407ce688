// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// EventCache - TTL/LRU cache for query results and entities.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-fetcher/logging"
)

// Stats holds runtime counters exported by the cache.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Expirations   int64 `json:"expirations"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

type entry struct {
	key        string
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
	hits       int64
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Cache is a TTL cache with LRU eviction under capacity pressure. Expiry is
// checked lazily on read and by a periodic sweep. All mutations for a key are
// serialized, so a Get issued after Invalidate for that key never returns the
// invalidated value.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	// lru front = most recently used
	lru      *list.List
	capacity int

	stopSweep chan struct{}
	wg        sync.WaitGroup

	hits          int64
	misses        int64
	expirations   int64
	evictions     int64
	invalidations int64
}

// New creates a Cache holding at most capacity entries, sweeping expired
// entries every sweepInterval. Call Close to stop the sweep loop.
func New(capacity int, sweepInterval time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 512
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &Cache{
		entries:   make(map[string]*entry),
		lru:       list.New(),
		capacity:  capacity,
		stopSweep: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop(sweepInterval)
	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	close(c.stopSweep)
	c.wg.Wait()
}

// Get returns the unexpired cached value for key, or false on a miss. A hit
// refreshes the entry's LRU position and hit count.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(e)
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	e.hits++
	c.lru.MoveToFront(e.elem)
	atomic.AddInt64(&c.hits, 1)
	return e.value, true
}

// HitCount returns how many times key has been read since insertion.
func (c *Cache) HitCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.hits
	}
	return 0
}

// Put stores value under key with the given ttl, replacing any previous
// entry. The least recently used entry is evicted when the cache is full.
func (c *Cache) Put(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = time.Now()
		e.ttl = ttl
		e.hits = 0
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &entry{key: key, value: value, insertedAt: time.Now(), ttl: ttl}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	for len(c.entries) > c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		atomic.AddInt64(&c.evictions, 1)
	}
}

// Invalidate synchronously removes the entry with the exact key plus every
// entry whose key starts with keyOrPrefix, and returns how many were removed.
func (c *Cache) Invalidate(keyOrPrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	if e, ok := c.entries[keyOrPrefix]; ok {
		c.removeLocked(e)
		removed++
	}
	for key, e := range c.entries {
		if strings.HasPrefix(key, keyOrPrefix) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		atomic.AddInt64(&c.invalidations, int64(removed))
		logging.DebugMethod("cache", "Invalidate", "removed %d entries for %q", removed, keyOrPrefix)
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			atomic.AddInt64(&c.expirations, 1)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Expirations:   atomic.LoadInt64(&c.expirations),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		Entries:       entries,
	}
}
