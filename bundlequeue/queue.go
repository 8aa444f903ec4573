// Package bundlequeue is a slot targeted bundle queue that uses redis as a backend.
//
// Queue uses one sorted set in redis. Items are scored by the first slot they may be executed in,
// items sharing a slot are ordered by the packed member (see packData).
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
// 4. Keep the queue informed about the current slot with `UpdateSlot`, the queue never reads the clock itself.
//
// NOTE: an item claimed by a worker that crashes is lost. Workers never hold more than the item they are
// processing, so at most one item per worker can be lost. Cancelling the context passed to
// `StartProcessLoop` lets the workers finish their current item first.
//
// Processing:
//
//  1. Every ProcessFunc passed to `StartProcessLoop` is one worker and processes one item at a time.
//
//  2. A worker pops the lowest scored item.
//     * If its first slot is in the future it is pushed back.
//     * If the current slot is past its last slot it is dropped.
//     * Otherwise `ProcessFunc` is called. Items with the same first slot are ordered by
//     high priority, then retries, then submission time, then last slot.
//
//  3. `ProcessFunc` decides what happens with the item:
//     * `nil` or `ErrProcessUnrecoverable`: the item is removed.
//     * `ErrProcessScheduleNextSlot`: the item is retried in the next slot, while it has one.
//     * `ErrProcessWorkerError` or a timeout: the item is retried in the same slot, hopefully by another worker.
//     Retries are bounded by `MaxRetries`.
package bundlequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrSlotIncorrect     = errors.New("slot is lower than the current slot")
	ErrStaleItem         = errors.New("item is stale")
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrNoNextSlot        = errors.New("failed to requeue item, no next slot available")
	ErrRequeueFailed     = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextSlot is returned by ProcessFunc if item should be retried in the next slot.
	ErrProcessScheduleNextSlot = errors.New("try to schedule item for the next slot")
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried in the same slot by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item must not be retried.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, item is dropped")
)

type QueueItemInfo struct {
	// Retries is the number of times the item was requeued after being handed to a worker.
	Retries     int
	TimeInQueue time.Duration
	TargetSlot  uint64
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue interface {
	UpdateSlot(slot uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log         *zap.Logger
	red         *redis.Client
	currentSlot *atomic.Uint64
	queueName   string

	Config
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config Config) *RedisQueue {
	return &RedisQueue{
		log:         log.Named("queue").With(zap.String("queue", queueName)),
		red:         red,
		currentSlot: atomic.NewUint64(0),
		queueName:   queueName,
		Config:      config,
	}
}

func (s *RedisQueue) CurrentSlot() uint64 {
	return s.currentSlot.Load()
}

func (s *RedisQueue) UpdateSlot(slot uint64) error {
	for {
		current := s.currentSlot.Load()
		if current == slot {
			return nil
		}
		if current > slot {
			return ErrSlotIncorrect
		}
		if s.currentSlot.CompareAndSwap(current, slot) {
			return nil
		}
	}
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error {
	currentSlot := s.currentSlot.Load()
	if maxTargetSlot < currentSlot {
		s.log.Debug("max target slot is in the past, skipping", zap.Uint64("max_target_slot", maxTargetSlot), zap.Uint64("current_slot", currentSlot))
		return ErrStaleItem
	}

	// bundles are executed in the slot being produced, not the next one
	if minTargetSlot < currentSlot {
		minTargetSlot = currentSlot
	}

	args := packArgs{
		data:          data,
		minTargetSlot: minTargetSlot,
		maxTargetSlot: maxTargetSlot,
		highPriority:  highPriority,
		timestamp:     time.Now(),
	}
	if err := s.pushToQueue(ctx, args); err != nil {
		return err
	}
	s.log.Debug("Pushed to queue", zap.Uint64("min_target_slot", minTargetSlot), zap.Uint64("max_target_slot", maxTargetSlot), zap.Bool("high_priority", highPriority))
	return nil
}

// QueuedItems returns the number of items waiting in the queue.
func (s *RedisQueue) QueuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.QueuedItems(ctx)
	if err != nil {
		s.log.Warn("Failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("Too many items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		return ErrQueueFull
	}

	score, member := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		s.log.Debug("Failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue blocks for up to a second waiting for an item.
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			s.log.Error("Failed to pop from queue", zap.Error(err))
		}
		return packArgs{}, err
	}

	member, ok := value.Member.(string)
	if !ok {
		s.log.Error("Failed to pop from queue, invalid member type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(member))
	if err != nil {
		s.log.Error("Failed to unpack queue item", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// requeue backoff, losing items is worse than slow workers
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	currentSlot := s.currentSlot.Load()

	if currentSlot < args.minTargetSlot {
		// too early, wait for the slot to arrive
		if err := s.requeue(ctx, args, false, false, back); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.EarlyItemDelay):
		}
		return nil
	}

	if currentSlot > args.maxTargetSlot {
		s.log.Debug("Skipping stale item",
			zap.Uint64("current_slot", currentSlot),
			zap.Uint64("min_target_slot", args.minTargetSlot),
			zap.Uint64("max_target_slot", args.maxTargetSlot))
		return nil
	}
	args.minTargetSlot = currentSlot

	info := QueueItemInfo{
		Retries:     int(args.iteration),
		TimeInQueue: time.Since(args.timestamp),
		TargetSlot:  currentSlot,
	}
	workerCtx, workerCancel := context.WithTimeout(ctx, s.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, info)

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("Dropped queue item", zap.Error(err), zap.Uint16("iteration", args.iteration))
		return nil
	case errors.Is(err, ErrProcessScheduleNextSlot):
		s.log.Debug("Worker iteration failed, scheduled for the next slot",
			zap.Error(err),
			zap.Uint64("current_slot", currentSlot),
			zap.Uint64("max_target_slot", args.maxTargetSlot),
		)
		if err := s.requeue(ctx, args, true, true, back); err != nil {
			return err
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("Worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.requeue(ctx, args, true, false, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	s.log.Debug("Processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", info.TimeInQueue))
	return nil
}

// StartProcessLoop spawns a goroutine for each worker. Cancelling ctx stops the workers after their
// current item, the returned wait group is done once all of them have returned.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

// requeue pushes the item back, items that ran out of retries or slots are dropped.
func (s *RedisQueue) requeue(ctx context.Context, args packArgs, incrIteration, incrSlot bool, back backoff.BackOff) error {
	err := s.retryItem(ctx, args, incrIteration, incrSlot, back)
	if errors.Is(err, ErrMaxRetriesReached) || errors.Is(err, ErrNoNextSlot) {
		s.log.Debug("Dropping queue item", zap.Error(err), zap.Uint16("iteration", args.iteration))
		return nil
	}
	return err
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, incrSlot bool, back backoff.BackOff) error {
	if incrIteration {
		if args.iteration >= s.MaxRetries {
			return ErrMaxRetriesReached
		}
		args.iteration++
	}
	if incrSlot {
		if args.minTargetSlot >= args.maxTargetSlot {
			return ErrNoNextSlot
		}
		args.minTargetSlot++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("Failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues removes all data in redis associated with the queue.
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
