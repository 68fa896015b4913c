package geo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medroute/internal/metrics"
	"medroute/internal/model"
)

// PairKey rounds both ends to 5 decimals (about 1 m).
func PairKey(a, b model.GeoPoint) string {
	return fmt.Sprintf("%.5f,%.5f|%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// GeocodeKey hashes the normalised address so variants in case and
// whitespace share one entry.
func GeocodeKey(address, city, country string) string {
	norm := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	sum := sha256.Sum256([]byte(norm(address) + "|" + norm(city) + "|" + norm(country)))
	return hex.EncodeToString(sum[:])
}

// ShardedCache is an LRU+TTL map split across power-of-two shards, each
// behind its own lock.
type ShardedCache[V any] struct {
	shards []*lruShard[V]
	mask   uint32
	name   string
}

// NewShardedCache distributes capacity across numShards (rounded up to a
// power of two, default 16).
func NewShardedCache[V any](name string, capacity int, ttl time.Duration, numShards int) *ShardedCache[V] {
	if numShards <= 0 {
		numShards = 16
	}
	n := 1
	for n < numShards {
		n *= 2
	}
	per := capacity / n
	if per < 1 {
		per = 1
	}
	c := &ShardedCache[V]{shards: make([]*lruShard[V], n), mask: uint32(n - 1), name: name}
	for i := range c.shards {
		c.shards[i] = &lruShard[V]{cap: per, ttl: ttl, items: make(map[string]*lruEntry[V], per), now: time.Now}
	}
	return c
}

func (c *ShardedCache[V]) shard(key string) *lruShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()&c.mask]
}

func (c *ShardedCache[V]) Get(key string) (V, bool) {
	v, ok := c.shard(key).get(key)
	if ok {
		metrics.RecordCache(c.name, "hit")
	} else {
		metrics.RecordCache(c.name, "miss")
	}
	return v, ok
}

func (c *ShardedCache[V]) Set(key string, v V) { c.shard(key).set(key, v) }

// Uses returns how many times key has been served since it was stored.
func (c *ShardedCache[V]) Uses(key string) int64 { return c.shard(key).uses(key) }

func (c *ShardedCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

type lruEntry[V any] struct {
	key        string
	val        V
	expires    time.Time
	hits       atomic.Int64
	prev, next *lruEntry[V]
}

type lruShard[V any] struct {
	mu         sync.RWMutex
	cap        int
	ttl        time.Duration
	items      map[string]*lruEntry[V]
	head, tail *lruEntry[V]
	now        func() time.Time
}

func (s *lruShard[V]) get(key string) (V, bool) {
	var zero V
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return zero, false
	}
	if s.ttl > 0 && s.now().After(e.expires) {
		s.unlink(e)
		delete(s.items, key)
		return zero, false
	}
	s.unlink(e)
	s.pushFront(e)
	e.hits.Add(1)
	return e.val, true
}

func (s *lruShard[V]) set(key string, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		e.val = v
		e.expires = s.now().Add(s.ttl)
		s.unlink(e)
		s.pushFront(e)
		return
	}
	e := &lruEntry[V]{key: key, val: v, expires: s.now().Add(s.ttl)}
	s.items[key] = e
	s.pushFront(e)
	if len(s.items) > s.cap && s.tail != nil {
		old := s.tail
		s.unlink(old)
		delete(s.items, old.key)
	}
}

func (s *lruShard[V]) uses(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[key]; ok {
		return e.hits.Load()
	}
	return 0
}

func (s *lruShard[V]) pushFront(e *lruEntry[V]) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *lruShard[V]) unlink(e *lruEntry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if s.head == e {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if s.tail == e {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// MemoryCache is the in-process Cache: one sharded map for pairs, one for
// geocodes.
type MemoryCache struct {
	pairs    *ShardedCache[Pair]
	geocodes *ShardedCache[GeocodeResult]
}

func NewMemoryCache(capacity int, ttl time.Duration, shards int) *MemoryCache {
	return &MemoryCache{
		pairs:    NewShardedCache[Pair]("pair", capacity, ttl, shards),
		geocodes: NewShardedCache[GeocodeResult]("geocode", capacity, ttl, shards),
	}
}

func (m *MemoryCache) GetPair(_ context.Context, key string) (Pair, bool) { return m.pairs.Get(key) }
func (m *MemoryCache) SetPair(_ context.Context, key string, p Pair)      { m.pairs.Set(key, p) }

func (m *MemoryCache) GetGeocode(_ context.Context, key string) (GeocodeResult, bool) {
	return m.geocodes.Get(key)
}

func (m *MemoryCache) SetGeocode(_ context.Context, key string, r GeocodeResult) {
	m.geocodes.Set(key, r)
}

// GeocodeUses reports how often a cached address has been reused.
func (m *MemoryCache) GeocodeUses(key string) int64 { return m.geocodes.Uses(key) }
