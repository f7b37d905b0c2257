package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) (*assert.Assertions, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return assert.New(t), client
}

func TestCache_GetSet(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()
	cache := NewCache(client, PriceCache)

	_, err := cache.Get(ctx, "ethereum:0xabc:2022-08-01")
	a.ErrorIs(err, ErrKeyNotFound)

	require.NoError(t, cache.Set(ctx, "ethereum:0xabc:2022-08-01", []byte("0.3891"), time.Hour))
	b, err := cache.Get(ctx, "ethereum:0xabc:2022-08-01")
	require.NoError(t, err)
	a.Equal("0.3891", string(b))

	raw, err := client.Get(ctx, "price:ethereum:0xabc:2022-08-01").Result()
	require.NoError(t, err)
	a.Equal("0.3891", raw)
}

func TestCache_Hash(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()
	cache := NewCache(client, AggregationCache)

	empty, err := cache.HGetAll(ctx, "units")
	require.NoError(t, err)
	a.Empty(empty)

	require.NoError(t, cache.HSet(ctx, "units", map[string]string{"mayc": "COMPLETED", "bayc": "UNPROCESSED"}))
	units, err := cache.HGetAll(ctx, "units")
	require.NoError(t, err)
	a.Equal(map[string]string{"mayc": "COMPLETED", "bayc": "UNPROCESSED"}, units)
}

func TestLockClient(t *testing.T) {
	a, client := setupTest(t)
	ctx := context.Background()
	locks := NewLockClient(NewCache(client, LockCache))

	lock, err := locks.Obtain(ctx, "opensea#ethereum#seaport", time.Minute)
	require.NoError(t, err)

	_, err = locks.Obtain(ctx, "opensea#ethereum#seaport", time.Minute)
	a.ErrorIs(err, ErrLockHeld)

	a.NoError(lock.Refresh(ctx, time.Minute))
	a.NoError(lock.Release(ctx))

	again, err := locks.Obtain(ctx, "opensea#ethereum#seaport", time.Minute)
	require.NoError(t, err)
	a.NoError(again.Release(ctx))
}
