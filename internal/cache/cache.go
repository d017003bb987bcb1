// Package cache provides the gateway's unified TTL+LRU cache with
// transparent compression of large values and dependency-tag invalidation.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
)

// Stats counts cache outcomes since construction.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
}

type entry struct {
	data       []byte
	compressed bool
	expiresAt  time.Time
	tags       []string
}

// Cache is a bounded TTL+LRU cache. Values are stored serialized, so a
// retrieved value has JSON decoding shapes (maps, slices, float64 numbers).
type Cache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, *entry]
	tags map[string]map[string]struct{}

	maxSize              int
	defaultTTL           time.Duration
	compressionThreshold int

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now func() time.Time
}

// New builds a cache with the given capacity, default TTL, and compression
// threshold in bytes.
func New(maxSize int, defaultTTL time.Duration, compressionThreshold int) *Cache {
	backing, err := lru.New[string, *entry](maxSize)
	if err != nil {
		// Only reachable with maxSize <= 0, which config defaults prevent.
		panic(fmt.Sprintf("cache: bad capacity %d: %v", maxSize, err))
	}
	return &Cache{
		lru:                  backing,
		tags:                 make(map[string]map[string]struct{}),
		maxSize:              maxSize,
		defaultTTL:           defaultTTL,
		compressionThreshold: compressionThreshold,
		now:                  time.Now,
	}
}

// Get returns the cached value for key, or ok=false on a miss. Expired
// entries are removed and counted as expirations, never as hits.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.dropTagRefs(key, e.tags)
		c.expirations++
		c.misses++
		return nil, false
	}

	v, err := decode(e)
	if err != nil {
		c.lru.Remove(key)
		c.dropTagRefs(key, e.tags)
		c.misses++
		return nil, false
	}
	c.hits++
	return v, true
}

// Set stores value under key. ttl <= 0 means the default TTL. tags register
// the entry for dependency invalidation.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	compressed := false
	if len(data) > c.compressionThreshold {
		data, err = compress(data)
		if err != nil {
			return fmt.Errorf("cache compress %q: %w", key, err)
		}
		compressed = true
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.dropTagRefs(key, old.tags)
	}
	e := &entry{
		data:       data,
		compressed: compressed,
		expiresAt:  c.now().Add(ttl),
		tags:       tags,
	}
	if evicted := c.lru.Add(key, e); evicted {
		c.evictions++
	}
	for _, t := range tags {
		deps, ok := c.tags[t]
		if !ok {
			deps = make(map[string]struct{})
			c.tags[t] = deps
		}
		deps[key] = struct{}{}
	}
	return nil
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok {
		c.dropTagRefs(key, e.tags)
		c.lru.Remove(key)
	}
}

// Clear drops every entry and tag mapping. Counters survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.tags = make(map[string]map[string]struct{})
}

// InvalidateTag deletes every entry that declared the tag.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	deps, ok := c.tags[tag]
	if !ok {
		return 0
	}
	delete(c.tags, tag)
	n := 0
	for key := range deps {
		if e, ok := c.lru.Peek(key); ok {
			for _, t := range e.tags {
				if t != tag {
					if other, ok := c.tags[t]; ok {
						delete(other, key)
					}
				}
			}
			c.lru.Remove(key)
			n++
		}
	}
	return n
}

// Sweep removes expired entries eagerly. Called from the maintenance cron;
// Get handles expiry correctly without it, this just frees space sooner.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(e.expiresAt) {
			c.lru.Remove(key)
			c.dropTagRefs(key, e.tags)
			c.expirations++
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.lru.Len(),
		MaxSize:     c.maxSize,
	}
}

func (c *Cache) dropTagRefs(key string, tags []string) {
	for _, t := range tags {
		if deps, ok := c.tags[t]; ok {
			delete(deps, key)
			if len(deps) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(e *entry) (any, error) {
	data := e.data
	if e.compressed {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, err
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
