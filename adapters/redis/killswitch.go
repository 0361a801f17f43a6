package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// KillswitchFlag is a shared, restart-surviving disable switch read by
// every submit() call and written only by the admin surface: a thin
// typed wrapper over *redis.Client around a single boolean key, so all
// replicas of the middleware observe the same flag.
type KillswitchFlag struct {
	client *redis.Client
	key    string
}

func NewKillswitchFlag(client *redis.Client, key string) *KillswitchFlag {
	if key == "" {
		key = "atomicbundler:killswitch"
	}
	return &KillswitchFlag{client: client, key: key}
}

func (k *KillswitchFlag) Get(ctx context.Context) (bool, error) {
	v, err := k.client.Get(ctx, k.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, atomictypes.NewError(atomictypes.KindInternal, "failed to read killswitch flag", err)
	}
	return v == "1", nil
}

func (k *KillswitchFlag) Set(ctx context.Context, disabled bool) error {
	val := "0"
	if disabled {
		val = "1"
	}
	if err := k.client.Set(ctx, k.key, val, 0).Err(); err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "failed to write killswitch flag", err)
	}
	return nil
}
