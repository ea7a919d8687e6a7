package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/metrics"
)

// Cache stores resolved IPInfo. A miss is (IPInfo{}, false, nil).
type Cache interface {
	Get(ctx context.Context, ip string) (IPInfo, bool, error)
	Set(ctx context.Context, ip string, info IPInfo, ttl time.Duration) error
}

// MemoryCache is an in-process Cache backed by go-cache.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates a cache whose entries default to ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, time.Minute)}
}

func (m *MemoryCache) Get(_ context.Context, ip string) (IPInfo, bool, error) {
	v, ok := m.c.Get(ip)
	if !ok {
		return IPInfo{}, false, nil
	}
	info, ok := v.(IPInfo)
	return info, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, ip string, info IPInfo, ttl time.Duration) error {
	m.c.Set(ip, info, ttl)
	return nil
}

// RedisCache shares lookups across replicas.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache stores entries under "geoip:<ip>".
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "geoip:"}
}

func (r *RedisCache) Get(ctx context.Context, ip string) (IPInfo, bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return IPInfo{}, false, nil
	}
	if err != nil {
		return IPInfo{}, false, fmt.Errorf("redis get: %w", err)
	}
	var info IPInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return IPInfo{}, false, fmt.Errorf("decode cached ip info: %w", err)
	}
	return info, true, nil
}

func (r *RedisCache) Set(ctx context.Context, ip string, info IPInfo, ttl time.Duration) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.prefix+ip, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CachingResolver answers from cache when it can. Only successful lookups
// are cached; an unavailable provider is asked again on the next request.
// Cache errors degrade to a direct lookup.
type CachingResolver struct {
	next  IPResolver
	cache Cache
	ttl   time.Duration
}

// NewCachingResolver wraps next.
func NewCachingResolver(next IPResolver, cache Cache, ttl time.Duration) *CachingResolver {
	return &CachingResolver{next: next, cache: cache, ttl: ttl}
}

// Resolve implements IPResolver.
func (c *CachingResolver) Resolve(ctx context.Context, ip string) (IPInfo, error) {
	addr, err := PublicAddr(ip)
	if err != nil {
		metrics.GeoIPLookupsTotal.WithLabelValues("unavailable").Inc()
		return IPInfo{}, err
	}
	key := addr.String()

	info, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("geoip cache read failed", "ip", key, "error", err)
	} else if ok {
		metrics.GeoIPLookupsTotal.WithLabelValues("cache_hit").Inc()
		return info, nil
	}

	info, err = c.next.Resolve(ctx, key)
	if err != nil {
		metrics.GeoIPLookupsTotal.WithLabelValues("unavailable").Inc()
		return IPInfo{}, err
	}
	metrics.GeoIPLookupsTotal.WithLabelValues("resolved").Inc()

	if err := c.cache.Set(ctx, key, info, c.ttl); err != nil {
		logging.L(ctx).Warn("geoip cache write failed", "ip", key, "error", err)
	}
	return info, nil
}
