// Package rediscache is a Redis-backed read cache, for deployments
// where several service replicas should share one hot set.
package rediscache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/buildhive/artifact-cache/cache"
)

type redisCache struct {
	rdb         *redis.Client
	ttl         time.Duration
	errorLogger cache.Logger
}

// New connects to the Redis server at addr and returns a ReadCache
// whose values expire after ttl.
func New(addr string, password string, db int, ttl time.Duration,
	errorLogger cache.Logger) (cache.ReadCache, error) {

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	err := rdb.Ping(context.Background()).Err()
	if err != nil {
		return nil, err
	}
	return &redisCache{rdb: rdb, ttl: ttl, errorLogger: errorLogger}, nil
}

// Get is best effort. Redis failures count as misses so that reads fall
// through to the backing stores.
func (r *redisCache) Get(ctx context.Context, key cache.EntryKey) ([]byte, bool) {
	data, err := r.rdb.Get(ctx, key.String()).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.errorLogger.Printf("REDIS GET %s: %v", key.String(), err)
		return nil, false
	}
	return data, true
}

func (r *redisCache) Set(ctx context.Context, key cache.EntryKey, data []byte) {
	if int64(len(data)) > cache.MaxCachedSize {
		return
	}
	err := r.rdb.Set(ctx, key.String(), data, r.ttl).Err()
	if err != nil {
		r.errorLogger.Printf("REDIS SET %s: %v", key.String(), err)
	}
}

func (r *redisCache) Flush(ctx context.Context) error {
	return r.rdb.FlushDB(ctx).Err()
}
