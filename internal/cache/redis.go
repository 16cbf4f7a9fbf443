package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Cache[struct{}] = (*RedisCache[struct{}])(nil)

// RedisCache implements Cache on Redis with JSON-encoded values.
// Suitable for multi-instance deployments where the cache is shared.
type RedisCache[T any] struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache[T any](
	ctx context.Context,
	addr, password string,
	db int,
	keyPrefix string,
) (*RedisCache[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", addr, err)
	}

	return &RedisCache[T]{client: client, keyPrefix: keyPrefix, owned: true}, nil
}

// NewRedisCacheWithClient wraps an existing client. Close does not close it.
func NewRedisCacheWithClient[T any](client *redis.Client, keyPrefix string) *RedisCache[T] {
	return &RedisCache[T]{client: client, keyPrefix: keyPrefix}
}

// Get retrieves a value from Redis.
func (r *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	raw, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrCacheMiss
		}
		return zero, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return value, nil
}

// Set stores a value in Redis with TTL.
func (r *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Delete removes a key from Redis.
func (r *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Close closes the client if this cache created it.
func (r *RedisCache[T]) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// Health pings Redis.
func (r *RedisCache[T]) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
