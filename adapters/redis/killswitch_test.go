package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKillswitchFlag_DefaultsToEnabledWhenUnset(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	flag := NewKillswitchFlag(red, "test:killswitch")
	require.NoError(t, red.Del(context.Background(), "test:killswitch").Err())

	disabled, err := flag.Get(context.Background())
	require.NoError(t, err)
	require.False(t, disabled)
}

func TestKillswitchFlag_SetThenGetRoundTrips(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	flag := NewKillswitchFlag(red, "test:killswitch")
	require.NoError(t, red.Del(context.Background(), "test:killswitch").Err())

	require.NoError(t, flag.Set(context.Background(), true))
	disabled, err := flag.Get(context.Background())
	require.NoError(t, err)
	require.True(t, disabled)

	require.NoError(t, flag.Set(context.Background(), false))
	disabled, err = flag.Get(context.Background())
	require.NoError(t, err)
	require.False(t, disabled)
}
