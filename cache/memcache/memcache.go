// Package memcache is the in-process read cache: a size-bounded LRU
// over stored blob bytes, keyed by namespace and digest.
package memcache

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/buildhive/artifact-cache/cache"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_readcache_hits",
		Help: "The total number of read cache hits.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_readcache_misses",
		Help: "The total number of read cache misses.",
	})
)

type memCache struct {
	mu  sync.Mutex
	lru *cache.SizedLRU
}

// New returns a ReadCache bounded to maxSizeBytes of blob data.
func New(maxSizeBytes int64) cache.ReadCache {
	return &memCache{
		lru: cache.NewSizedLRU(maxSizeBytes, nil),
	}
}

func (m *memCache) Get(ctx context.Context, key cache.EntryKey) ([]byte, bool) {
	m.mu.Lock()
	data, ok := m.lru.Get(key.String())
	m.mu.Unlock()

	if ok {
		cacheHits.Inc()
	} else {
		cacheMisses.Inc()
	}
	return data, ok
}

func (m *memCache) Set(ctx context.Context, key cache.EntryKey, data []byte) {
	if int64(len(data)) > cache.MaxCachedSize {
		return
	}
	m.mu.Lock()
	m.lru.Add(key.String(), data)
	m.mu.Unlock()
}

func (m *memCache) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.lru.Clear()
	m.mu.Unlock()
	return nil
}
