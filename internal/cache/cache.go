package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheUnavailable indicates the cache backend is unavailable
	ErrCacheUnavailable = errors.New("cache: backend unavailable")

	// ErrInvalidValue indicates the cached value cannot be decoded
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Cache defines the primitive operations for a key-value cache.
type Cache[T any] interface {
	// Get returns ErrCacheMiss if the key does not exist or has expired.
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
	Health(ctx context.Context) error
}

// Loader is a read-through wrapper around a Cache. Concurrent misses for the
// same key share a single fetch.
type Loader[T any] struct {
	cache Cache[T]
	ttl   time.Duration
	group singleflight.Group
}

// NewLoader creates a read-through loader with a fixed TTL.
func NewLoader[T any](c Cache[T], ttl time.Duration) *Loader[T] {
	return &Loader[T]{cache: c, ttl: ttl}
}

// Get returns the cached value or calls fetch and stores its result.
// Backend errors degrade to a direct fetch.
func (l *Loader[T]) Get(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) (T, error),
) (T, error) {
	if value, err := l.cache.Get(ctx, key); err == nil {
		return value, nil
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		_ = l.cache.Set(ctx, key, value, l.ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops a key so the next Get refetches.
func (l *Loader[T]) Invalidate(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}
