// Package streamlifecycle implements the assistant-subtask streaming state
// machine: per-chunk accumulation, Pub/Sub fan-out, periodic cache/durable
// flush, and offset-based resume.
package streamlifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatgateway/internal/config"
)

// Cache is the subset of the shared cache/Pub-Sub substrate the stream
// manager needs. It is narrowed to string in/string out so tests can supply
// an in-memory fake without standing up a Redis server.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) Subscription
}

// Subscription delivers published payloads for one channel until Close.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

type redisCache struct {
	client redis.UniversalClient
}

// NewRedisCache builds a Redis-backed Cache. Returns (nil, nil) when Redis
// is not configured, matching the teacher's "returns nil when disabled"
// convention for optional backing stores.
func NewRedisCache(cfg config.RedisConfig) (Cache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis stream cache ping: %w", err)
	}
	return &redisCache{client: client}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Publish(ctx context.Context, channel, payload string) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *redisCache) Subscribe(ctx context.Context, channel string) Subscription {
	sub := c.client.Subscribe(ctx, channel)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{sub: sub, out: out}
}

type redisSubscription struct {
	sub *redis.PubSub
	out chan string
}

func (s *redisSubscription) Messages() <-chan string { return s.out }
func (s *redisSubscription) Close() error            { return s.sub.Close() }
