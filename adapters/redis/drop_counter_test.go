package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDropCounter(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	ctx := context.Background()
	if err := red.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	defer red.Close()

	counter := NewDropCounter(red, time.Second, "test-drops-")
	require.NoError(t, red.Del(ctx, "test-drops-a", "test-drops-b").Err())

	drops, err := counter.Drops(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, uint64(0), drops)

	for i := uint64(1); i <= 3; i++ {
		drops, err = counter.IncDrops(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, i, drops)
	}

	drops, err = counter.Drops(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), drops)

	drops, err = counter.Drops(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, uint64(0), drops)

	time.Sleep(time.Second + 100*time.Millisecond)

	drops, err = counter.Drops(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, uint64(0), drops)
}
