// Package poh keeps the proof of history tick height of the node and the window of ticks the node is
// allowed to record into as leader.
package poh

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultTicksPerSlot   = uint64(64)
	DefaultTickDuration   = 6250 * time.Microsecond
	DefaultLeaderRotation = uint64(1)
	DefaultSlotsPerLeader = uint64(4)
)

type Config struct {
	TicksPerSlot uint64
	TickDuration time.Duration
	// The node leads SlotsPerLeader consecutive slots out of every LeaderRotation*SlotsPerLeader slots.
	LeaderRotation uint64
	SlotsPerLeader uint64
}

var DefaultConfig = Config{
	TicksPerSlot:   DefaultTicksPerSlot,
	TickDuration:   DefaultTickDuration,
	LeaderRotation: DefaultLeaderRotation,
	SlotsPerLeader: DefaultSlotsPerLeader,
}

// Recorder is the reference bundlestage.HeightMonitor. MaxHeight is the last tick height of the
// current leader window, outside of a leader window it equals the current height so no bundle executes.
type Recorder struct {
	log    *zap.Logger
	config Config
	height *atomic.Uint64
}

func NewRecorder(log *zap.Logger, config Config) *Recorder {
	if config.TicksPerSlot == 0 {
		config.TicksPerSlot = DefaultTicksPerSlot
	}
	if config.TickDuration <= 0 {
		config.TickDuration = DefaultTickDuration
	}
	if config.SlotsPerLeader == 0 {
		config.SlotsPerLeader = DefaultSlotsPerLeader
	}
	if config.LeaderRotation == 0 {
		config.LeaderRotation = 1
	}
	return &Recorder{
		log:    log.Named("poh"),
		config: config,
		height: atomic.NewUint64(0),
	}
}

func (r *Recorder) CurrentHeight() uint64 {
	return r.height.Load()
}

func (r *Recorder) MaxHeight() uint64 {
	height := r.height.Load()
	slot := height / r.config.TicksPerSlot
	if !r.isLeader(slot) {
		return height
	}
	windowEnd := (slot/r.config.SlotsPerLeader + 1) * r.config.SlotsPerLeader
	return windowEnd * r.config.TicksPerSlot
}

func (r *Recorder) Slot() uint64 {
	return r.height.Load() / r.config.TicksPerSlot
}

// CurrentSlot implements the slot source of the bundle queue.
func (r *Recorder) CurrentSlot(context.Context) (uint64, error) {
	return r.Slot(), nil
}

func (r *Recorder) IsLeader() bool {
	return r.isLeader(r.Slot())
}

func (r *Recorder) isLeader(slot uint64) bool {
	window := slot / r.config.SlotsPerLeader
	return window%r.config.LeaderRotation == 0
}

// Tick advances the tick height by one and returns the new height.
func (r *Recorder) Tick() uint64 {
	return r.height.Inc()
}

// Run ticks every TickDuration until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.TickDuration)
	defer ticker.Stop()

	lastLeader := r.IsLeader()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height := r.Tick()
			if height%r.config.TicksPerSlot != 0 {
				continue
			}
			if leader := r.IsLeader(); leader != lastLeader {
				lastLeader = leader
				r.log.Debug("Leader window changed", zap.Bool("leader", leader), zap.Uint64("slot", r.Slot()), zap.Uint64("height", height))
			}
		}
	}
}
