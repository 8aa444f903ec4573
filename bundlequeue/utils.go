package bundlequeue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

const packHeaderLen = 19

type Config struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	// WorkerTimeout has to be longer than the bundle retry budget, otherwise every bundle that
	// exhausts its budget is requeued as a worker error.
	WorkerTimeout  time.Duration
	EarlyItemDelay time.Duration
}

var DefaultQueueConfig = Config{
	MaxRetries:             8,
	MaxQueuedItemsLowPrio:  1024,
	MaxQueuedItemsHighPrio: 2048,
	WorkerTimeout:          4 * time.Second,
	EarlyItemDelay:         10 * time.Millisecond,
}

type packArgs struct {
	data          []byte
	minTargetSlot uint64
	maxTargetSlot uint64
	highPriority  bool
	timestamp     time.Time
	iteration     uint16
}

// packData returns the score and the sorted set member for an item. The score is minTargetSlot.
// Member layout, ':' only used in the docs:
// priority(1 byte, 0 is high):iteration(2 bytes):timestamp(8 bytes):maxslot(8 bytes):data
//
// Redis orders members with equal scores lexicographically, so the header doubles as the tie breaker.
func packData(a packArgs) (float64, []byte) {
	member := make([]byte, packHeaderLen+len(a.data))
	if !a.highPriority {
		member[0] = 1
	}
	binary.BigEndian.PutUint16(member[1:3], a.iteration)
	binary.BigEndian.PutUint64(member[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(member[11:19], a.maxTargetSlot)
	copy(member[packHeaderLen:], a.data)
	return float64(a.minTargetSlot), member
}

func unpackData(score float64, member []byte) (packArgs, error) {
	if len(member) < packHeaderLen {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:          member[packHeaderLen:],
		minTargetSlot: uint64(score),
		maxTargetSlot: binary.BigEndian.Uint64(member[11:19]),
		highPriority:  member[0] == 0,
		timestamp:     time.Unix(0, int64(binary.BigEndian.Uint64(member[3:11]))),
		iteration:     binary.BigEndian.Uint16(member[1:3]),
	}, nil
}

// ConfigFromEnv loads `bundlequeue` config from environment.
// - `BUNDLEQUEUE_MAX_RETRIES`
// - `BUNDLEQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `BUNDLEQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `BUNDLEQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultQueueConfig

	if val := os.Getenv("BUNDLEQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("BUNDLEQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueued
	}
	if val := os.Getenv("BUNDLEQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueued
	}
	if val := os.Getenv("BUNDLEQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}
	return config, nil
}
