package distance

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
)

// JSONCache stores JSON values with a TTL.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
}

// RedisCache implements JSONCache on a go-redis client
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// NewRedisClient builds a client from a redis:// URL or a bare host:port.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		// corrupt entry: drop it and report a miss
		_ = c.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// CachedProvider serves repeated lookups from the cache. Cache errors are
// logged and fall through to the wrapped provider.
type CachedProvider struct {
	next    Provider
	cache   JSONCache
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewCachedProvider(next Provider, cache JSONCache, ttl time.Duration, logger zerolog.Logger, m *metrics.Metrics) *CachedProvider {
	return &CachedProvider{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With().Str("component", "distance-cache").Logger(),
		metrics: m,
	}
}

// Lookup returns a cached result when present, otherwise asks the wrapped provider.
func (p *CachedProvider) Lookup(ctx context.Context, origin Coordinates, destination string) (Result, error) {
	key := cacheKey(origin, destination)

	var cached Result
	hit, err := p.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("distance cache read failed")
	}
	if hit {
		p.metrics.RecordDistanceLookup("cache_hit")
		return cached, nil
	}

	result, err := p.next.Lookup(ctx, origin, destination)
	if err != nil {
		return Result{}, err
	}

	if err := p.cache.SetJSON(ctx, key, result, p.ttl); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("distance cache write failed")
	}
	return result, nil
}

// cacheKey rounds the origin to ~100m so nearby dispatches share entries.
func cacheKey(origin Coordinates, destination string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(destination))))
	return fmt.Sprintf("distance:%.3f,%.3f:%s", origin.Latitude, origin.Longitude, hex.EncodeToString(sum[:8]))
}
