package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry represents a cached item with expiration
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryCache is an in-memory LRU cache with a TTL per entry
type MemoryCache struct {
	cache   *lru.Cache[string, *cacheEntry]
	mu      sync.Mutex
	metrics MetricsCollector
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewMemoryCache creates a cache holding at most size entries. Expired
// entries are swept every sweepInterval; zero disables the sweeper and
// leaves expiry to reads and LRU eviction.
func NewMemoryCache(size int, sweepInterval time.Duration, metrics MetricsCollector) (*MemoryCache, error) {
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	mc := &MemoryCache{
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	cache, err := lru.NewWithEvict[string, *cacheEntry](size, func(string, *cacheEntry) {
		metrics.AddEvictions(1)
	})
	if err != nil {
		return nil, err
	}
	mc.cache = cache

	if sweepInterval > 0 {
		go mc.cleanupLoop(sweepInterval)
	} else {
		close(mc.done)
	}
	return mc, nil
}

// Get retrieves a live value from the cache
func (mc *MemoryCache) Get(key string) ([]byte, bool) {
	entry, ok := mc.cache.Get(key)
	if ok && entry.expired(mc.now()) {
		mc.mu.Lock()
		// re-check: a fresh entry may have replaced the expired one
		if cur, found := mc.cache.Peek(key); found && cur == entry {
			mc.cache.Remove(key)
		}
		mc.mu.Unlock()
		ok = false
	}

	if !ok {
		mc.misses.Add(1)
		mc.metrics.IncMisses()
		return nil, false
	}
	mc.hits.Add(1)
	mc.metrics.IncHits()
	return entry.data, true
}

// Peek returns a live value without counting the lookup
func (mc *MemoryCache) Peek(key string) ([]byte, bool) {
	entry, ok := mc.cache.Peek(key)
	if !ok || entry.expired(mc.now()) {
		return nil, false
	}
	return entry.data, true
}

// Put stores value unless a live entry already exists
func (mc *MemoryCache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := mc.now()

	mc.mu.Lock()
	if cur, ok := mc.cache.Peek(key); ok && !cur.expired(now) {
		mc.mu.Unlock()
		return
	}
	mc.cache.Add(key, &cacheEntry{data: value, expiresAt: now.Add(ttl)})
	n := mc.cache.Len()
	mc.mu.Unlock()

	mc.metrics.SetAmount(n)
}

// Len returns the number of stored entries
func (mc *MemoryCache) Len() int {
	return mc.cache.Len()
}

// Stats returns lookup counters
func (mc *MemoryCache) Stats() Stats {
	return Stats{Hits: mc.hits.Load(), Misses: mc.misses.Load()}
}

// Close stops the cleanup goroutine and waits for it to exit
func (mc *MemoryCache) Close() {
	select {
	case <-mc.stop:
	default:
		close(mc.stop)
	}
	<-mc.done
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache) cleanupLoop(interval time.Duration) {
	defer close(mc.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache) removeExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	removed := 0
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && entry.expired(now) {
			mc.cache.Remove(key)
			removed++
		}
	}
	mc.metrics.SetAmount(mc.cache.Len())
	return removed
}

// NoopCache is a cache that does nothing (used when caching is disabled)
type NoopCache struct {
	misses atomic.Uint64
}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (nc *NoopCache) Get(string) ([]byte, bool) {
	nc.misses.Add(1)
	return nil, false
}

func (nc *NoopCache) Peek(string) ([]byte, bool) { return nil, false }

func (nc *NoopCache) Put(string, []byte, time.Duration) {}

func (nc *NoopCache) Len() int { return 0 }

func (nc *NoopCache) Stats() Stats { return Stats{Misses: nc.misses.Load()} }

func (nc *NoopCache) Close() {}
