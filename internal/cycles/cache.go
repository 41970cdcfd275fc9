// Package cycles runs strategy evaluation tasks through a bounded worker
// pool with an advisory result cache in front.
package cycles

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
)

// CacheKey derives the stable cache key for one evaluation window. Equal
// inputs always hash equal, so repeated cycles are deduplicated.
func CacheKey(symbol domain.Symbol, tf domain.Timeframe, windowEnd int64, strategyID string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s", symbol, tf, windowEnd, strategyID)
	return fmt.Sprintf("cycle:%016x", h.Sum64())
}

// ResultCache stores successful cycle results. The cache is advisory: a
// miss, an eviction or a backend outage only costs recomputation.
type ResultCache interface {
	Get(key string) (domain.CycleResult, bool)
	Set(key string, result domain.CycleResult, ttl time.Duration)
	Stats() CacheStats
}

// CacheStats counts cache effectiveness.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
}

// NewAutoCache picks Redis when an address is configured and the in-memory
// cache otherwise. REDIS_ADDR beats the config file.
func NewAutoCache(cfg config.CacheSection) ResultCache {
	addr := cfg.RedisAddr
	if env := os.Getenv("REDIS_ADDR"); env != "" {
		addr = env
	}
	if addr != "" {
		log.Info().Str("addr", addr).Msg("Cycle cache backed by Redis")
		return NewRedisCache(addr)
	}
	return NewMemoryCache(cfg.MaxEntries)
}

// memoryCache is a TTL map with LRU eviction and a janitor goroutine.
type memoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int

	hits      int64
	misses    int64
	evictions int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	result   domain.CycleResult
	expires  time.Time
	accessed time.Time
}

// NewMemoryCache creates an in-process cache holding at most maxEntries
// results.
func NewMemoryCache(maxEntries int) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &memoryCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *memoryCache) Get(key string) (domain.CycleResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		c.misses++
		return domain.CycleResult{}, false
	}
	entry.accessed = time.Now()
	c.hits++
	return entry.result, true
}

// Set stores a successful result. Failures are never cached so a transient
// error cannot shadow a later good run.
func (c *memoryCache) Set(key string, result domain.CycleResult, ttl time.Duration) {
	if !result.Success() || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	now := time.Now()
	c.entries[key] = &cacheEntry{result: result, expires: now.Add(ttl), accessed: now}
}

func (c *memoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   int64(len(c.entries)),
	}
}

// Stop halts the janitor.
func (c *memoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictOldest drops the least recently accessed entry. Caller holds the
// write lock.
func (c *memoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *memoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *memoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

// redisCache shares results across processes. Lookups are bounded to 500ms;
// on any backend error the cache degrades to a miss.
type redisCache struct {
	client *redis.Client

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewRedisCache connects a shared result cache.
func NewRedisCache(addr string) *redisCache {
	return &redisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *redisCache) Get(key string) (domain.CycleResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		c.count(false)
		return domain.CycleResult{}, false
	}
	var result domain.CycleResult
	if err := msgpack.Unmarshal(raw, &result); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cached cycle result")
		c.count(false)
		return domain.CycleResult{}, false
	}
	c.count(true)
	return result, true
}

func (c *redisCache) Set(key string, result domain.CycleResult, ttl time.Duration) {
	if !result.Success() || ttl <= 0 {
		return
	}
	raw, err := msgpack.Marshal(result)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("Cycle cache write failed")
	}
}

func (c *redisCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses}
}

func (c *redisCache) count(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}
