package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache[int64]()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "test-key", 42, time.Minute))

	value, err := cache.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
}

func TestMemoryCache_GetMiss(t *testing.T) {
	cache := NewMemoryCache[int64]()

	_, err := cache.Get(context.Background(), "non-existent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache := NewMemoryCache[int64]()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "expire-key", 100, 30*time.Millisecond))

	value, err := cache.Get(ctx, "expire-key")
	require.NoError(t, err)
	assert.Equal(t, int64(100), value)

	time.Sleep(60 * time.Millisecond)

	_, err = cache.Get(ctx, "expire-key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache[string]()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, cache.Delete(ctx, "k"))

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, cache.Health(ctx))
	assert.NoError(t, cache.Close())
}

func TestLoader_ReadThrough(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader[string](NewMemoryCache[string](), time.Minute)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := loader.Get(ctx, "key", fetch)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, loader.Invalidate(ctx, "key"))
	_, err := loader.Get(ctx, "key", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoader_FetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader[int](NewMemoryCache[int](), time.Minute)
	boom := errors.New("boom")

	_, err := loader.Get(ctx, "key", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := loader.Get(ctx, "key", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestLoader_ConcurrentMissesShareFetch(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader[int](NewMemoryCache[int](), time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := loader.Get(ctx, "key", fetch)
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// Late arrivals may hit the cache or join the flight; never more than a couple of fetches
	assert.LessOrEqual(t, calls.Load(), int32(2))
}
