package placelookup

import (
	"context"
	"math"
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
)

type cacheKey struct {
	lat, lon int64
}

func key_for(lat, lon float64) cacheKey {
	return cacheKey{lat: int64(math.Round(lat * 1e4)), lon: int64(math.Round(lon * 1e4))}
}

// Cache memoizes labels by coordinates rounded to four decimals. The oldest
// entry is evicted once size is reached. Failed lookups are not cached.
type Cache struct {
	mu      sync.Mutex
	log     log.Logger
	next    telemetry.PlaceLookup
	size    int
	entries map[cacheKey]string
	fifo    []cacheKey
	hits    uint64
	misses  uint64
}

func NewCache(next telemetry.PlaceLookup, size int) *Cache {
	if size <= 0 {
		size = 1024
	}
	c := &Cache{next: next, size: size}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "placecache").Value()
	c.entries = make(map[cacheKey]string, size)
	c.fifo = make([]cacheKey, 0, size)
	return c
}

func (c *Cache) LookupPlace(ctx context.Context, lat, lon float64) (string, error) {
	k := key_for(lat, lon)
	c.mu.Lock()
	if label, ok := c.entries[k]; ok {
		c.hits++
		c.mu.Unlock()
		return label, nil
	}
	c.misses++
	c.mu.Unlock()

	label, err := c.next.LookupPlace(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; ok {
		return label, nil
	}
	if len(c.fifo) >= c.size {
		evict := c.fifo[0]
		c.fifo = c.fifo[1:]
		delete(c.entries, evict)
	}
	c.entries[k] = label
	c.fifo = append(c.fifo, k)
	c.log.Debug().Float64("latitude", lat).Float64("longitude", lon).Str("label", label).Msg("cached place")
	return label, nil
}

func (c *Cache) Stats() (hits, misses uint64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
