package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/task"
)

// keyPrefix namespaces scheduler entries inside a shared Redis database.
const keyPrefix = "modelmux:"

// Redis is a Store backed by a Redis server, for deployments where several
// scheduler instances should share one response cache. Expiry is delegated
// to Redis via per-key TTLs.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client. The caller owns client configuration;
// Close closes it.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) key(k string) string { return keyPrefix + k }

// Get fetches and decodes a cached response. A missing key is a plain miss;
// transport failures surface as errors.
func (r *Redis) Get(ctx context.Context, key string) (task.ModelResponse, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return task.ModelResponse{}, false, nil
	}
	if err != nil {
		return task.ModelResponse{}, false, fmt.Errorf("redis get: %w", err)
	}
	var resp task.ModelResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return task.ModelResponse{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, true, nil
}

// Set stores the response with the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, resp task.ModelResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Len counts scheduler entries in the database.
func (r *Redis) Len(ctx context.Context) (int, error) {
	var count int
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return count, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
