package x402

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/protocolbanks/x402/internal/cache"
)

// settlementCache coalesces concurrent settle calls for the same key within
// one process and remembers successful results for a short TTL. The store's
// conditional updates remain the source of truth; the cache only saves
// upstream round trips when clients retry after timeouts.
type settlementCache struct {
	results cache.Cache[*SettleResult]
	ttl     time.Duration
	group   singleflight.Group
}

func newSettlementCache(ttl time.Duration) *settlementCache {
	return &settlementCache{
		results: cache.NewMemoryCache[*SettleResult](),
		ttl:     ttl,
	}
}

// do runs fn once per key among concurrent callers and shares its outcome.
// Only successful results outlive the flight. A waiter whose ctx ends
// returns early; the flight keeps running for the others.
func (c *settlementCache) do(ctx context.Context, key string, fn func(context.Context) (*SettleResult, error)) (*SettleResult, error) {
	if result, err := c.results.Get(ctx, key); err == nil {
		return result, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		result, err := fn(ctx)
		if err == nil && result != nil && result.Success {
			_ = c.results.Set(ctx, key, result, c.ttl)
		}
		return result, err
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(*SettleResult)
		return result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
