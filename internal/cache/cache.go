// Package cache holds recent forecast bundles so repeated requests against
// the same model version and input skip the ensemble.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/metrics"
)

// TTL is a size-bounded LRU whose entries expire after ttl. A zero ttl never
// expires.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	cache   *lru.Cache[K, ttlEntry[V]]
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	evicted uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func NewTTL[K comparable, V any](size int, ttl time.Duration) (*TTL[K, V], error) {
	c, err := lru.New[K, ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTL[K, V]{cache: c, ttl: ttl, now: time.Now}, nil
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.cache.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		c.misses++
		return zero, false
	}
	c.hits++
	return entry.value, true
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	if c.cache.Add(key, ttlEntry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Purge drops every entry, e.g. after a new model version is activated.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats for the status endpoint.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func (c *TTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.cache.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Key identifies a forecast request.
func Key(modelVersion string, horizon int, input []byte) string {
	sum := sha256.Sum256(input)
	return fmt.Sprintf("%s/%d/%s", modelVersion, horizon, hex.EncodeToString(sum[:8]))
}

// ForecastCache caches export bundles by Key.
type ForecastCache struct {
	entries *TTL[string, *export.Bundle]
	metrics *metrics.Metrics
}

func NewForecastCache(size int, ttl time.Duration, m *metrics.Metrics) (*ForecastCache, error) {
	entries, err := NewTTL[string, *export.Bundle](size, ttl)
	if err != nil {
		return nil, err
	}
	return &ForecastCache{entries: entries, metrics: m}, nil
}

func (c *ForecastCache) Get(key string) (*export.Bundle, bool) {
	b, ok := c.entries.Get(key)
	c.metrics.CacheLookup(ok)
	return b, ok
}

func (c *ForecastCache) Put(key string, b *export.Bundle) {
	c.entries.Set(key, b)
}

func (c *ForecastCache) Purge() { c.entries.Purge() }

func (c *ForecastCache) Stats() Stats { return c.entries.Stats() }
