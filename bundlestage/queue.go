package bundlestage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/bundle-stage/bundlequeue"
	"github.com/flashbots/bundle-stage/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	cancelCacheTimeout = 500 * time.Millisecond
	slotUpdateInterval = 20 * time.Millisecond
)

type SlotSource interface {
	CurrentSlot(ctx context.Context) (uint64, error)
}

type CancellationChecker interface {
	IsCancelled(ctx context.Context, ids ...BundleID) (bool, error)
}

// DropRecorder counts how many times a bundle was dropped.
type DropRecorder interface {
	IncDrops(ctx context.Context, id string) (uint64, error)
}

// QueuedBundle is the queue payload of a bundle.
type QueuedBundle struct {
	Transactions [][]byte  `json:"txs"`
	Tip          *Tip      `json:"tip,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

func NewQueuedBundle(bundle *Bundle) *QueuedBundle {
	txs := make([][]byte, len(bundle.Transactions))
	for i, tx := range bundle.Transactions {
		txs[i] = tx.Raw
	}
	return &QueuedBundle{
		Transactions: txs,
		Tip:          bundle.Tip,
		ReceivedAt:   bundle.ReceivedAt,
	}
}

// Bundle rebuilds the bundle, transactions that no longer decode are kept as malformed.
func (q *QueuedBundle) Bundle() (*Bundle, error) {
	txs := make([]*Transaction, len(q.Transactions))
	for i, raw := range q.Transactions {
		txs[i] = NewTransaction(raw)
	}
	return NewBundle(txs, q.Tip, q.ReceivedAt)
}

type BundleQueue struct {
	log     *zap.Logger
	queue   bundlequeue.Queue
	slots   SlotSource
	worker  *BundleWorker
	workers int
}

func NewBundleQueue(log *zap.Logger, queue bundlequeue.Queue, slots SlotSource, worker *BundleWorker, workers int) *BundleQueue {
	if workers < 1 {
		workers = 1
	}
	return &BundleQueue{
		log:     log.Named("queue"),
		queue:   queue,
		slots:   slots,
		worker:  worker,
		workers: workers,
	}
}

// Start runs the queue workers and keeps the queue's current slot in sync with the slot source.
func (q *BundleQueue) Start(ctx context.Context) *sync.WaitGroup {
	process := bundlequeue.MultipleWorkers(q.worker.Process, q.workers, rate.Inf, 1)

	slot, err := q.slots.CurrentSlot(ctx)
	if err != nil {
		q.log.Warn("Failed to get current slot", zap.Error(err))
	} else {
		_ = q.queue.UpdateSlot(slot)
	}

	wg := q.queue.StartProcessLoop(ctx, process)

	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 200 * time.Millisecond
		back.MaxElapsedTime = 2 * time.Second

		ticker := time.NewTicker(slotUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					slot, err := q.slots.CurrentSlot(ctx)
					if err != nil {
						return err
					}
					return q.queue.UpdateSlot(slot)
				}, backoff.WithContext(back, ctx))
				if err != nil && ctx.Err() == nil {
					q.log.Error("Failed to update slot", zap.Error(err))
				}
			}
		}
	}()
	return wg
}

// ScheduleBundle queues bundle for execution in any slot of [minSlot, maxSlot].
func (q *BundleQueue) ScheduleBundle(ctx context.Context, bundle *Bundle, highPriority bool, minSlot, maxSlot uint64) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordBundleAddQueueDuration(time.Since(startAt).Milliseconds())
	}()
	data, err := json.Marshal(NewQueuedBundle(bundle))
	if err != nil {
		return err
	}
	err = q.queue.Push(ctx, data, highPriority, minSlot, maxSlot)
	switch {
	case errors.Is(err, bundlequeue.ErrQueueFull):
		metrics.IncQueueFullBundles()
	case errors.Is(err, bundlequeue.ErrStaleItem):
		metrics.IncQueueStaleBundles()
	}
	return err
}

// BundleWorker hands queued bundles to the consumer and maps their outcome to the queue's control errors.
type BundleWorker struct {
	log         *zap.Logger
	consumer    *BundleConsumer
	cancelCache CancellationChecker
	drops       DropRecorder
	shutdown    *Shutdown
}

func NewBundleWorker(log *zap.Logger, consumer *BundleConsumer, cancelCache CancellationChecker, drops DropRecorder) *BundleWorker {
	return &BundleWorker{
		log:         log.Named("worker"),
		consumer:    consumer,
		cancelCache: cancelCache,
		drops:       drops,
		shutdown:    consumer.engine.Shutdown(),
	}
}

func (w *BundleWorker) Process(ctx context.Context, data []byte, info bundlequeue.QueueItemInfo) error {
	var queued QueuedBundle
	if err := json.Unmarshal(data, &queued); err != nil {
		w.log.Error("Failed to unmarshal queued bundle", zap.Error(err))
		return errors.Join(err, bundlequeue.ErrProcessUnrecoverable)
	}
	bundle, err := queued.Bundle()
	if err != nil {
		w.log.Error("Failed to rebuild queued bundle", zap.Error(err))
		return errors.Join(err, bundlequeue.ErrProcessUnrecoverable)
	}
	logger := w.log.With(zap.String("bundle", bundle.ID.String()), zap.Uint64("slot", info.TargetSlot))

	cancelled, err := w.isBundleCancelled(ctx, bundle.ID)
	if err != nil {
		// cancellations are best effort
		logger.Error("Failed to check if bundle was cancelled", zap.Error(err))
	}
	if cancelled {
		logger.Info("Bundle is not executed because it was cancelled")
		return bundlequeue.ErrProcessUnrecoverable
	}

	outcome, err := w.consumer.Process(ctx, bundle)
	if err != nil {
		if errors.Is(err, ErrBundleInFlight) {
			logger.Debug("Bundle is already being processed, skipping duplicate")
			return errors.Join(err, bundlequeue.ErrProcessUnrecoverable)
		}
		return errors.Join(err, bundlequeue.ErrProcessWorkerError)
	}

	switch outcome.Kind {
	case OutcomeDropped:
		w.recordDrop(ctx, logger, bundle.ID)
	case OutcomeAborted:
		if !w.shutdown.Triggered() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("Bundle processing timed out", zap.Int("retries", info.Retries))
			return context.DeadlineExceeded
		}
		return bundlequeue.ErrProcessUnrecoverable
	}
	return nil
}

func (w *BundleWorker) isBundleCancelled(ctx context.Context, id BundleID) (bool, error) {
	if w.cancelCache == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cancelCacheTimeout)
	defer cancel()
	return w.cancelCache.IsCancelled(ctx, id)
}

func (w *BundleWorker) recordDrop(ctx context.Context, logger *zap.Logger, id BundleID) {
	if w.drops == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	drops, err := w.drops.IncDrops(ctx, id.String())
	if err != nil {
		logger.Error("Failed to record bundle drop", zap.Error(err))
		return
	}
	logger.Debug("Recorded bundle drop", zap.Uint64("drops", drops))
}
