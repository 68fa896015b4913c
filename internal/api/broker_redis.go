package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements EventBroker over Redis pub/sub so every replica
// sees events published by any other.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string
	mu     sync.Mutex
	subs   map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(rdb redis.UniversalClient) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "medroute:events:", subs: map[chan SSEEvent]*redis.PubSub{}}
}

// NewRedisBrokerFromURL parses a redis:// URL.
func NewRedisBrokerFromURL(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBroker(redis.NewClient(opt)), nil
}

func (b *RedisBroker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ps := b.rdb.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(_ string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(topic string, evt SSEEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.prefix+topic, data).Err(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Close() error { return b.rdb.Close() }
