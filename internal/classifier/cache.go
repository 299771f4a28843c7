package classifier

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// resultCache provides thread-safe caching of external classifications
// keyed by content hash.
type resultCache struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[uint64]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *resultCache) get(key uint64) (Result, bool) {
	if c == nil || c.ttl <= 0 {
		return Result{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (c *resultCache) set(key uint64, r Result) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{result: r, expiresAt: c.now().Add(c.ttl)}
}

// cleanup removes expired entries.
func (c *resultCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(in Input) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strings.ToLower(in.Entity))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(in.Platform)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strings.Join(strings.Fields(in.Text()), " "))
	return d.Sum64()
}

func cacheKeyString(k uint64) string {
	return strconv.FormatUint(k, 16)
}
