package geo

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"medroute/internal/metrics"
)

// RedisCache shares lookups across replicas. Every Redis error is a miss.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "medroute:geo"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL.
func NewRedisCacheFromURL(url, prefix string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(redis.NewClient(opt), prefix, ttl), nil
}

func (c *RedisCache) GetPair(ctx context.Context, key string) (Pair, bool) {
	var p Pair
	return p, c.get(ctx, "pair", key, &p)
}

func (c *RedisCache) SetPair(ctx context.Context, key string, p Pair) { c.set(ctx, "pair", key, p) }

func (c *RedisCache) GetGeocode(ctx context.Context, key string) (GeocodeResult, bool) {
	var r GeocodeResult
	return r, c.get(ctx, "geocode", key, &r)
}

func (c *RedisCache) SetGeocode(ctx context.Context, key string, r GeocodeResult) {
	c.set(ctx, "geocode", key, r)
}

func (c *RedisCache) get(ctx context.Context, kind, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, c.prefix+":"+kind+":"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("kind", kind).Msg("redis cache get failed")
		}
		metrics.RecordCache("redis_"+kind, "miss")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.RecordCache("redis_"+kind, "miss")
		return false
	}
	metrics.RecordCache("redis_"+kind, "hit")
	return true
}

func (c *RedisCache) set(ctx context.Context, kind, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+":"+kind+":"+key, data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("kind", kind).Msg("redis cache set failed")
	}
}

// Tiered consults a fast local cache before a shared one and back-fills
// the local tier on a shared hit.
type Tiered struct {
	Local  Cache
	Shared Cache
}

func (t Tiered) GetPair(ctx context.Context, key string) (Pair, bool) {
	if p, ok := t.Local.GetPair(ctx, key); ok {
		return p, true
	}
	p, ok := t.Shared.GetPair(ctx, key)
	if ok {
		t.Local.SetPair(ctx, key, p)
	}
	return p, ok
}

func (t Tiered) SetPair(ctx context.Context, key string, p Pair) {
	t.Local.SetPair(ctx, key, p)
	t.Shared.SetPair(ctx, key, p)
}

func (t Tiered) GetGeocode(ctx context.Context, key string) (GeocodeResult, bool) {
	if r, ok := t.Local.GetGeocode(ctx, key); ok {
		return r, true
	}
	r, ok := t.Shared.GetGeocode(ctx, key)
	if ok {
		t.Local.SetGeocode(ctx, key, r)
	}
	return r, ok
}

func (t Tiered) SetGeocode(ctx context.Context, key string, r GeocodeResult) {
	t.Local.SetGeocode(ctx, key, r)
	t.Shared.SetGeocode(ctx, key, r)
}
