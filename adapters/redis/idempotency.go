package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// IdempotencyCache deduplicates retried POST /bundles calls carrying the
// same client-supplied idempotency key: a thin typed wrapper over
// *redis.Client using a TTL-backed SETNX to claim idempotency-key ->
// bundle-id the first time a key is seen.
type IdempotencyCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration, keyPrefix string) *IdempotencyCache {
	if keyPrefix == "" {
		keyPrefix = "atomicbundler:idempotency:"
	}
	return &IdempotencyCache{client: client, ttl: ttl, keyPrefix: keyPrefix}
}

// Reserve associates idempotencyKey with bundleID if no bundle is already
// associated with it, returning the existing bundle id and ok=false when
// the key was already claimed by an earlier call.
func (c *IdempotencyCache) Reserve(ctx context.Context, idempotencyKey, bundleID string) (existing string, ok bool, err error) {
	set, err := c.client.SetNX(ctx, c.keyPrefix+idempotencyKey, bundleID, c.ttl).Result()
	if err != nil {
		return "", false, atomictypes.NewError(atomictypes.KindInternal, "failed to reserve idempotency key", err)
	}
	if set {
		return bundleID, true, nil
	}
	existing, err = c.client.Get(ctx, c.keyPrefix+idempotencyKey).Result()
	if err != nil {
		return "", false, atomictypes.NewError(atomictypes.KindInternal, "failed to read idempotency key", err)
	}
	return existing, false, nil
}

// Finalize overwrites the value stored under idempotencyKey once the real
// bundle id is known, for callers that must Reserve with a placeholder
// before the id exists (e.g. Submit generates it). Only the caller that
// won Reserve should call this.
func (c *IdempotencyCache) Finalize(ctx context.Context, idempotencyKey, bundleID string) error {
	if err := c.client.Set(ctx, c.keyPrefix+idempotencyKey, bundleID, c.ttl).Err(); err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "failed to finalize idempotency key", err)
	}
	return nil
}
