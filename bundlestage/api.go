package bundlestage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/bundle-stage/jsonrpcserver"
	"github.com/flashbots/bundle-stage/metrics"
	"github.com/flashbots/bundle-stage/spike"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrInternalServiceError = errors.New("bundle stage service error")
	ErrRateLimited          = errors.New("rate limited, try again later")
	ErrBundleRejected       = errors.New("bundle was dropped too many times, try again later")
	ErrInvalidSlotRange     = errors.New("invalid slot range")
	ErrTooManyBundleIDs     = errors.New("too many bundle ids")

	cancelBundleTimeout = 3 * time.Second
	storageTimeout      = 2 * time.Second
	bundleCacheSize     = 4096
)

// MaxBundleStatusesRequest is the number of bundle ids accepted by a single getBundleStatuses call.
const MaxBundleStatusesRequest = 5

type BundleScheduler interface {
	ScheduleBundle(ctx context.Context, bundle *Bundle, highPriority bool, minSlot, maxSlot uint64) error
}

type BundleStorage interface {
	// InsertBundle stores a received bundle. known is true when the bundle is already stored and was not
	// dropped, a dropped bundle is reset to pending and reported as not known.
	InsertBundle(ctx context.Context, bundle *Bundle, origin string) (known bool, err error)
	GetBundleStatus(ctx context.Context, id BundleID) (*BundleStatus, error)
	CancelBundle(ctx context.Context, id BundleID) error
}

// TipLocator finds the tip paid by the transactions of a bundle.
type TipLocator interface {
	FindTip(txs []*solana.Transaction) (*Tip, error)
	TipAccounts() []solana.PublicKey
}

type DropCounter interface {
	Drops(ctx context.Context, id string) (uint64, error)
}

type CancellationCache interface {
	Add(ctx context.Context, id BundleID) error
}

type SendBundleOptions struct {
	// Encoding of the transactions, base58 (default) or base64.
	Encoding string `json:"encoding,omitempty"`
	// SlotRange is the number of slots after the current one the bundle may be executed in.
	SlotRange uint64 `json:"slotRange,omitempty"`
}

type BundleStatus struct {
	BundleID     BundleID   `json:"bundleId"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	Attempts     int        `json:"attempts"`
	Transactions []string   `json:"transactions"`
	ReceivedAt   time.Time  `json:"receivedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

type APIConfig struct {
	SendBundleRateLimit rate.Limit
	// MaxDropsBeforeReject rejects resubmissions of bundles that were dropped this many times, 0 disables it.
	MaxDropsBeforeReject uint64
	StatusCacheDuration  time.Duration
}

type API struct {
	log *zap.Logger

	scheduler         BundleScheduler
	storage           BundleStorage
	slots             SlotSource
	tips              TipLocator
	drops             DropCounter
	cancellationCache CancellationCache
	config            APIConfig

	rateLimiter  *rate.Limiter
	spikeManager *spike.Manager[BundleID, *BundleStatus]
	// knownBundleCache maps scheduled bundles to their drop count at the time they were scheduled
	knownBundleCache *lru.Cache[BundleID, uint64]
}

func NewAPI(
	log *zap.Logger,
	scheduler BundleScheduler, storage BundleStorage, slots SlotSource, tips TipLocator,
	drops DropCounter, cancellationCache CancellationCache, config APIConfig,
) *API {
	sm := spike.NewManager(func(ctx context.Context, id BundleID) (*BundleStatus, error) {
		return storage.GetBundleStatus(ctx, id)
	}, config.StatusCacheDuration)

	return &API{
		log: log.Named("api"),

		scheduler:         scheduler,
		storage:           storage,
		slots:             slots,
		tips:              tips,
		drops:             drops,
		cancellationCache: cancellationCache,
		config:            config,
		rateLimiter:       rate.NewLimiter(config.SendBundleRateLimit, 1),
		spikeManager:      sm,
		knownBundleCache:  lru.NewCache[BundleID, uint64](bundleCacheSize),
	}
}

// SendBundle validates a bundle of encoded transactions, derives its tip and schedules it for execution.
func (m *API) SendBundle(ctx context.Context, txs []string, opts *SendBundleOptions) (_ BundleID, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendBundleEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendBundleEndpointName)
		}
	}()
	metrics.IncBundlesReceived()

	if !m.rateLimiter.Allow() {
		return "", ErrRateLimited
	}
	if opts == nil {
		opts = &SendBundleOptions{}
	}

	validateBundleTime := time.Now()
	encoding, err := txutil.ParseEncoding(opts.Encoding)
	if err != nil {
		return "", err
	}
	slotRange := opts.SlotRange
	if slotRange == 0 {
		slotRange = MaxSlotRange
	}
	if slotRange > MaxSlotRange {
		return "", fmt.Errorf("%w: at most %d slots", ErrInvalidSlotRange, MaxSlotRange)
	}

	bundleTxs, err := ValidateBundle(txs, encoding)
	if err != nil {
		m.log.Debug("Failed to validate bundle", zap.Error(err))
		return "", err
	}
	decoded := make([]*solana.Transaction, len(bundleTxs))
	for i, tx := range bundleTxs {
		decoded[i] = tx.Tx
	}
	tip, err := m.tips.FindTip(decoded)
	if err != nil {
		m.log.Debug("Bundle tip is invalid", zap.Error(err))
		return "", err
	}
	bundle, err := NewBundle(bundleTxs, tip, time.Now())
	if err != nil {
		return "", err
	}
	logger := m.log.With(zap.String("bundle", bundle.ID.String()))
	metrics.RecordBundleValidationDuration(time.Since(validateBundleTime).Milliseconds())

	drops, err := m.checkDrops(ctx, logger, bundle.ID)
	if err != nil {
		return "", err
	}
	// a bundle dropped since it was scheduled may be scheduled again
	if scheduledDrops, ok := m.knownBundleCache.Get(bundle.ID); ok && scheduledDrops == drops {
		logger.Debug("Bundle already known, ignoring")
		return bundle.ID, nil
	}

	currentSlot, err := m.slots.CurrentSlot(ctx)
	if err != nil {
		logger.Error("Failed to get current slot", zap.Error(err))
		return "", ErrInternalServiceError
	}

	storeCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	known, err := m.storage.InsertBundle(storeCtx, bundle, jsonrpcserver.GetOrigin(ctx))
	cancel()
	if err != nil {
		logger.Error("Failed to store bundle", zap.Error(err))
		return "", ErrInternalServiceError
	}
	if known {
		logger.Debug("Bundle already stored, ignoring")
		m.knownBundleCache.Add(bundle.ID, drops)
		return bundle.ID, nil
	}

	metrics.IncBundlesReceivedValid()
	highPriority := jsonrpcserver.GetPriority(ctx)
	err = m.scheduler.ScheduleBundle(ctx, bundle, highPriority, currentSlot, currentSlot+slotRange)
	if err != nil {
		logger.Error("Failed to schedule bundle", zap.Error(err))
		return "", ErrInternalServiceError
	}
	m.knownBundleCache.Add(bundle.ID, drops)

	logger.Info("Bundle scheduled",
		zap.Int("txs", len(bundle.Transactions)),
		zap.Uint64("tip_lamports", tip.Lamports),
		zap.Uint64("slot", currentSlot),
		zap.Bool("high_priority", highPriority),
	)
	return bundle.ID, nil
}

// checkDrops returns the number of times the bundle was dropped recently and rejects bundles that were
// dropped too often.
func (m *API) checkDrops(ctx context.Context, logger *zap.Logger, id BundleID) (uint64, error) {
	if m.drops == nil {
		return 0, nil
	}
	drops, err := m.drops.Drops(ctx, id.String())
	if err != nil {
		// the tombstone is an optimization, a lookup failure must not reject the bundle
		logger.Warn("Failed to get bundle drops", zap.Error(err))
		return 0, nil
	}
	if m.config.MaxDropsBeforeReject > 0 && drops >= m.config.MaxDropsBeforeReject {
		metrics.IncBundlesRejectedDrops()
		return drops, ErrBundleRejected
	}
	return drops, nil
}

// GetBundleStatuses returns the status of every id, unknown bundles are returned as null.
func (m *API) GetBundleStatuses(ctx context.Context, ids []BundleID) (_ []*BundleStatus, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetBundleStatusesEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetBundleStatusesEndpointName)
		}
	}()
	if len(ids) > MaxBundleStatusesRequest {
		return nil, fmt.Errorf("%w: at most %d", ErrTooManyBundleIDs, MaxBundleStatusesRequest)
	}

	statuses := make([]*BundleStatus, len(ids))
	for i, id := range ids {
		status, err := m.spikeManager.GetResult(ctx, id)
		if errors.Is(err, ErrBundleNotFound) {
			continue
		}
		if err != nil {
			m.log.Error("Failed to get bundle status", zap.Error(err), zap.String("bundle", id.String()))
			return nil, ErrInternalServiceError
		}
		statuses[i] = status
	}
	return statuses, nil
}

func (m *API) GetTipAccounts(_ context.Context) ([]string, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetTipAccountsEndpointName, time.Since(startAt).Milliseconds())
	}()
	accounts := m.tips.TipAccounts()
	res := make([]string, len(accounts))
	for i, account := range accounts {
		res[i] = account.String()
	}
	return res, nil
}

// CancelBundle cancels a bundle that was not executed yet. Cancellation is best effort, a bundle that is
// already being executed may still be committed.
func (m *API) CancelBundle(ctx context.Context, id BundleID) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(CancelBundleEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(CancelBundleEndpointName)
		}
	}()
	logger := m.log.With(zap.String("bundle", id.String()))
	ctx, cancel := context.WithTimeout(ctx, cancelBundleTimeout)
	defer cancel()
	err = m.storage.CancelBundle(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrBundleNotCancelled) {
			logger.Warn("Failed to cancel bundle", zap.Error(err))
		}
		return ErrBundleNotCancelled
	}

	err = m.cancellationCache.Add(ctx, id)
	if err != nil {
		logger.Error("Failed to add bundle to cancellation cache", zap.Error(err))
	}
	metrics.IncBundlesCancelled()

	logger.Info("Bundle cancelled")
	return nil
}
