package poh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorderLeaderWindow(t *testing.T) {
	r := NewRecorder(zap.NewNop(), Config{TicksPerSlot: 4, SlotsPerLeader: 2, LeaderRotation: 2})

	// slots 0-1 are led by this node
	require.True(t, r.IsLeader())
	require.Equal(t, uint64(0), r.CurrentHeight())
	require.Equal(t, uint64(8), r.MaxHeight())

	for r.CurrentHeight() < 7 {
		r.Tick()
	}
	require.Equal(t, uint64(1), r.Slot())
	require.Less(t, r.CurrentHeight(), r.MaxHeight())

	// slots 2-3 are led by someone else
	r.Tick()
	require.Equal(t, uint64(2), r.Slot())
	require.False(t, r.IsLeader())
	require.Equal(t, r.CurrentHeight(), r.MaxHeight())

	for r.CurrentHeight() < 16 {
		r.Tick()
	}
	require.Equal(t, uint64(4), r.Slot())
	require.True(t, r.IsLeader())
	require.Equal(t, uint64(24), r.MaxHeight())

	slot, err := r.CurrentSlot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4), slot)
}

func TestRecorderRun(t *testing.T) {
	r := NewRecorder(zap.NewNop(), Config{TicksPerSlot: 2, TickDuration: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return r.CurrentHeight() >= 4
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
