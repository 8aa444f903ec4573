// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DropCounter counts bundle drops within a sliding expiry window.
type DropCounter struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewDropCounter(client *redis.Client, expireDuration time.Duration, keyPrefix string) *DropCounter {
	return &DropCounter{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// IncDrops increments the drop counter of the bundle and returns the new value.
// Every drop extends the window of the counter.
func (r *DropCounter) IncDrops(ctx context.Context, bundleID string) (uint64, error) {
	drops, err := r.client.Incr(ctx, r.keyPrefix+bundleID).Result()
	if err != nil {
		return 0, err
	}
	// ignore expiry error as it is not critical
	_ = r.client.Expire(ctx, r.keyPrefix+bundleID, r.expireDuration).Err()
	return uint64(drops), nil
}

// Drops returns the number of drops of the bundle in the current window.
func (r *DropCounter) Drops(ctx context.Context, bundleID string) (uint64, error) {
	drops, err := r.client.Get(ctx, r.keyPrefix+bundleID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return drops, err
}
