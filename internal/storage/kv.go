package storage

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/trellis-works/trellis/internal/value"
)

// kvCacheCapacity bounds the token cache; entries are tiny and
// short-lived, so a small cap is plenty.
const kvCacheCapacity = 16_384

// kvCache is the in-process TTL store backing the adapter's KV
// contract (upload tokens and similar short-lived entries).
type kvCache struct {
	cache otter.CacheWithVariableTTL[string, *value.Value]
}

func newKVCache() *kvCache {
	cache, err := otter.MustBuilder[string, *value.Value](kvCacheCapacity).
		WithVariableTTL().
		Build()
	if err != nil {
		// The builder only fails on invalid static parameters.
		panic(err)
	}
	return &kvCache{cache: cache}
}

func (k *kvCache) set(key string, v *value.Value, ttl time.Duration) {
	k.cache.Set(key, v, ttl)
}

func (k *kvCache) get(key string) (*value.Value, bool) {
	return k.cache.Get(key)
}

func (k *kvCache) clear(key string) {
	k.cache.Delete(key)
}
