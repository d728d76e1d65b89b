package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
)

// EPGCache holds the rendered XMLTV document. Generating the guide walks the
// whole lineup, so the result is kept in a ristretto cache with a TTL and
// rebuilt only when it expires or the playlist changes.
type EPGCache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
}

func NewEPGCache(duration time.Duration) *EPGCache {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 100,
		MaxCost:     100 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &EPGCache{
		cache:    cache,
		duration: duration,
	}
}

func (ec *EPGCache) Get() (string, bool) {
	value, found := ec.cache.Get(hashKey("epg:guide"))
	return value, found
}

func (ec *EPGCache) Set(value string) {
	ec.cache.SetWithTTL(hashKey("epg:guide"), value, int64(len(value)), ec.duration)
	ec.cache.Wait()
}

// Clear drops the cached document so the next request re-renders it.
func (ec *EPGCache) Clear() {
	ec.cache.Del(hashKey("epg:guide"))
}

func (ec *EPGCache) Close() {
	ec.cache.Close()
}

// hashKey maps a string key onto ristretto's uint64 key space.
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}
