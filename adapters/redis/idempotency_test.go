package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyCache_FirstReserveWins(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	cache := NewIdempotencyCache(red, 3*time.Second, "test:idem:")
	require.NoError(t, red.Del(context.Background(), "test:idem:key1").Err())

	existing, ok, err := cache.Reserve(context.Background(), "key1", "bundle-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bundle-a", existing)
}

func TestIdempotencyCache_SecondReserveReturnsFirstWinner(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	cache := NewIdempotencyCache(red, 3*time.Second, "test:idem:")
	require.NoError(t, red.Del(context.Background(), "test:idem:key2").Err())

	_, ok, err := cache.Reserve(context.Background(), "key2", "bundle-a")
	require.NoError(t, err)
	require.True(t, ok)

	existing, ok, err := cache.Reserve(context.Background(), "key2", "bundle-b")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "bundle-a", existing)
}

func TestIdempotencyCache_FinalizeOverwritesPlaceholder(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	cache := NewIdempotencyCache(red, 3*time.Second, "test:idem:")
	require.NoError(t, red.Del(context.Background(), "test:idem:key3").Err())

	_, ok, err := cache.Reserve(context.Background(), "key3", "pending")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.Finalize(context.Background(), "key3", "bundle-real"))

	existing, ok, err := cache.Reserve(context.Background(), "key3", "bundle-other")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "bundle-real", existing)
}
