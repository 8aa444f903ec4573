package bundlestage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCancellationCache remembers cancelled bundles for as long as they can still be scheduled.
type RedisCancellationCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisCancellationCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisCancellationCache {
	return &RedisCancellationCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RedisCancellationCache) Add(ctx context.Context, id BundleID) error {
	return c.client.Set(ctx, c.keyPrefix+id.String(), 1, c.expireDuration).Err()
}

// IsCancelled reports whether any of ids was cancelled.
func (c *RedisCancellationCache) IsCancelled(ctx context.Context, ids ...BundleID) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.keyPrefix + id.String()
	}
	res, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, r := range res {
		if r != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *RedisCancellationCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
