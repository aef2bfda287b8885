// Package hotcache is the small-object cache spec §4.5 names: item
// payloads under a size threshold, keyed by dataItemId, TTL-bounded and
// not durable.
package hotcache

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/permaweb/bundler-gateway/internal/config"
)

// Cache wraps patrickmn/go-cache, already in the pack's indirect
// dependency graph, the way the teacher reaches for small in-memory
// TTL caches rather than hand-rolling one with a map and mutex.
type Cache struct {
	store          *gocache.Cache
	maxObjectBytes int64
}

// New builds a Cache from HotCacheConfig. If cfg.Enabled is false, the
// returned Cache always misses — callers don't need a separate
// enabled/disabled branch at every call site.
func New(cfg config.HotCacheConfig) *Cache {
	if !cfg.Enabled {
		return &Cache{}
	}
	return &Cache{
		store:          gocache.New(cfg.TTL, cfg.CleanupInterval),
		maxObjectBytes: cfg.MaxObjectBytes,
	}
}

// Put stores payload under dataItemID if the cache is enabled and the
// payload doesn't exceed the configured size threshold. Oversized
// payloads are silently skipped, matching spec §4.5's "other layers
// degrade silently".
func (c *Cache) Put(dataItemID string, payload []byte) {
	if c.store == nil || int64(len(payload)) > c.maxObjectBytes {
		return
	}
	c.store.SetDefault(dataItemID, payload)
}

// Get returns the cached payload for dataItemID, if present and not
// expired.
func (c *Cache) Get(dataItemID string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	v, ok := c.store.Get(dataItemID)
	if !ok {
		return nil, false
	}
	payload, ok := v.([]byte)
	return payload, ok
}

// Delete evicts dataItemID from the cache, if present.
func (c *Cache) Delete(dataItemID string) {
	if c.store == nil {
		return
	}
	c.store.Delete(dataItemID)
}

// ItemCount returns the number of live cached entries, used by the
// cleanup-fs worker's metrics.
func (c *Cache) ItemCount() int {
	if c.store == nil {
		return 0
	}
	return c.store.ItemCount()
}

// MaxCaptureBytes returns the largest payload Put will accept, or 0 if the
// cache is disabled, letting a caller fanning a single stream out to
// several sinks size its own capture buffer without duplicating the
// disabled/enabled branch Put already has.
func (c *Cache) MaxCaptureBytes() int64 {
	if c.store == nil {
		return 0
	}
	return c.maxObjectBytes
}
