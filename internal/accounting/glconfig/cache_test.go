package glconfig

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

func newCache(t *testing.T, next Resolver) (*CachedResolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedResolver(next, client, time.Minute, nil), mr
}

func TestCachedResolverServesHitsFromRedis(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, int64Ptr(4), 1404, true)
	cache, mr := newCache(t, NewFallbackResolver(repo))
	ctx := context.Background()

	first, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, int64Ptr(4))
	require.NoError(t, err)
	second, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, int64Ptr(4))
	require.NoError(t, err)

	require.Equal(t, 1, repo.finds)
	require.Equal(t, first, second)
	require.True(t, mr.Exists(cacheKey(events.CodeGoodsReceived, 1, int64Ptr(4))))
	require.Equal(t, time.Minute, mr.TTL(cacheKey(events.CodeGoodsReceived, 1, int64Ptr(4))))
}

func TestCachedResolverDoesNotCacheMisses(t *testing.T) {
	repo := newMemoryRepo()
	cache, mr := newCache(t, NewFallbackResolver(repo))
	ctx := context.Background()

	_, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, nil)
	require.ErrorIs(t, err, ErrMissingConfiguration)
	require.Empty(t, mr.Keys())

	seed(t, repo, nil, 1400, true)
	cfg, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, nil)
	require.NoError(t, err)
	account, err := cfg.AccountFor("inventory")
	require.NoError(t, err)
	require.Equal(t, int64(1400), account)
}

func TestCachedResolverInvalidate(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, nil, 1400, true)
	cache, mr := newCache(t, NewFallbackResolver(repo))
	ctx := context.Background()

	_, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, nil)
	require.NoError(t, err)
	seed(t, repo, nil, 1499, true)
	require.NoError(t, cache.Invalidate(ctx, 1))
	require.Empty(t, mr.Keys())

	cfg, err := cache.Resolve(ctx, events.CodeGoodsReceived, 1, nil)
	require.NoError(t, err)
	account, err := cfg.AccountFor("inventory")
	require.NoError(t, err)
	require.Equal(t, int64(1499), account)
}

func TestCachedResolverFallsThroughWhenRedisIsDown(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, nil, 1400, true)
	cache, mr := newCache(t, NewFallbackResolver(repo))
	mr.Close()

	cfg, err := cache.Resolve(context.Background(), events.CodeGoodsReceived, 1, nil)
	require.NoError(t, err)
	require.Equal(t, events.CodeGoodsReceived, cfg.EventCode)
}
