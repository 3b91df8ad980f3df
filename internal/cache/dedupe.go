package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DedupeCache is a bounded, time-aware set of recently seen content hashes.
// The connection fabric keeps one per client to suppress duplicate outbound
// frames.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> unix millis last seen
	ttl     time.Duration
	maxSize int
}

// DedupeOptions configures a DedupeCache. A zero or negative TTL disables
// time-based expiry; MaxSize bounds the entry count.
type DedupeOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupeCache creates an empty deduplication cache.
func NewDedupeCache(opts DedupeOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &DedupeCache{
		seen:    make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was seen within the TTL, and records it either
// way.
func (c *DedupeCache) Check(key string) bool {
	return c.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit clock, for tests.
func (c *DedupeCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	if prev, ok := c.seen[key]; ok {
		if c.ttl <= 0 || nowMs-prev < c.ttl.Milliseconds() {
			c.touch(key, nowMs)
			return true
		}
	}

	c.touch(key, nowMs)
	c.prune(nowMs)
	return false
}

func (c *DedupeCache) touch(key string, ts int64) {
	delete(c.seen, key)
	c.seen[key] = ts
}

// prune drops expired entries, then the oldest entries past maxSize.
func (c *DedupeCache) prune(nowMs int64) {
	if c.ttl > 0 {
		cutoff := nowMs - c.ttl.Milliseconds()
		for k, ts := range c.seen {
			if ts < cutoff {
				delete(c.seen, k)
			}
		}
	}

	if c.maxSize <= 0 {
		c.seen = make(map[string]int64)
		return
	}

	for len(c.seen) > c.maxSize {
		var oldestKey string
		oldestTs := int64(^uint64(0) >> 1)
		for k, ts := range c.seen {
			if ts < oldestTs {
				oldestTs = ts
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.seen, oldestKey)
	}
}

// Size returns the current entry count.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Clear drops all entries.
func (c *DedupeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]int64)
}

// ContentKey hashes a serialized payload into a deduplication key.
func ContentKey(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
