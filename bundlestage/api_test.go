package bundlestage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type scheduledBundle struct {
	bundle           *Bundle
	minSlot, maxSlot uint64
	highPriority     bool
}

type fakeScheduler struct {
	mu        sync.Mutex
	err       error
	scheduled []scheduledBundle
}

func (s *fakeScheduler) ScheduleBundle(_ context.Context, bundle *Bundle, highPriority bool, minSlot, maxSlot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, scheduledBundle{bundle, minSlot, maxSlot, highPriority})
	return nil
}

type fakeStorage struct {
	mu        sync.Mutex
	bundles   map[BundleID]*BundleStatus
	cancelled []BundleID
	lookups   int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{bundles: map[BundleID]*BundleStatus{}}
}

func (s *fakeStorage) InsertBundle(_ context.Context, bundle *Bundle, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.bundles[bundle.ID]; ok && status.Status != "dropped" {
		return true, nil
	}
	s.bundles[bundle.ID] = &BundleStatus{BundleID: bundle.ID, Status: StatusPending, ReceivedAt: bundle.ReceivedAt}
	return false, nil
}

func (s *fakeStorage) GetBundleStatus(_ context.Context, id BundleID) (*BundleStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	status, ok := s.bundles[id]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return status, nil
}

func (s *fakeStorage) CancelBundle(_ context.Context, id BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.bundles[id]
	if !ok || status.Status != StatusPending {
		return ErrBundleNotCancelled
	}
	status.Status = StatusCancelled
	s.cancelled = append(s.cancelled, id)
	return nil
}

type fakeSlots struct {
	slot uint64
}

func (s fakeSlots) CurrentSlot(context.Context) (uint64, error) {
	return s.slot, nil
}

var errNoTip = errors.New("bundle does not pay a tip")

// fakeTipLocator treats every transfer to account as a tip.
type fakeTipLocator struct {
	account solana.PublicKey
}

func (l fakeTipLocator) FindTip(txs []*solana.Transaction) (*Tip, error) {
	var tip *Tip
	for _, tx := range txs {
		transfers, err := txutil.SystemTransfers(tx)
		if err != nil {
			return nil, err
		}
		for _, transfer := range transfers {
			if transfer.To.Equals(l.account) {
				if tip == nil {
					tip = &Tip{Account: l.account}
				}
				tip.Lamports += transfer.Lamports
			}
		}
	}
	if tip == nil {
		return nil, errNoTip
	}
	return tip, nil
}

func (l fakeTipLocator) TipAccounts() []solana.PublicKey {
	return []solana.PublicKey{l.account}
}

type fakeAPICancelCache struct {
	added []BundleID
}

func (c *fakeAPICancelCache) Add(_ context.Context, id BundleID) error {
	c.added = append(c.added, id)
	return nil
}

type apiFixture struct {
	api         *API
	scheduler   *fakeScheduler
	storage     *fakeStorage
	drops       *fakeDrops
	cancelCache *fakeAPICancelCache
	tipAccount  solana.PublicKey
}

func newAPIFixture(t *testing.T, config APIConfig) *apiFixture {
	t.Helper()
	tipKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	f := &apiFixture{
		scheduler:   &fakeScheduler{},
		storage:     newFakeStorage(),
		drops:       &fakeDrops{},
		cancelCache: &fakeAPICancelCache{},
		tipAccount:  tipKey.PublicKey(),
	}
	if config.SendBundleRateLimit == 0 {
		config.SendBundleRateLimit = rate.Inf
	}
	if config.StatusCacheDuration == 0 {
		config.StatusCacheDuration = 50 * time.Millisecond
	}
	f.api = NewAPI(zap.NewNop(), f.scheduler, f.storage, fakeSlots{slot: 100}, fakeTipLocator{account: f.tipAccount},
		f.drops, f.cancelCache, config)
	return f
}

func (f *apiFixture) tippedBundle(t *testing.T, tip uint64) []string {
	t.Helper()
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	_, raw, err := txutil.NewTransferTransaction(payer, solana.Hash{1}, txutil.Payment{To: f.tipAccount, Lamports: tip})
	require.NoError(t, err)
	return encode(t, txutil.EncodingBase58, newSignedTransfer(t, 5), raw)
}

func TestAPISendBundle(t *testing.T) {
	ctx := context.Background()

	t.Run("schedules valid bundle", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		id, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		require.Len(t, f.scheduler.scheduled, 1)
		scheduled := f.scheduler.scheduled[0]
		require.Equal(t, id, scheduled.bundle.ID)
		require.Equal(t, &Tip{Account: f.tipAccount, Lamports: 1000}, scheduled.bundle.Tip)
		require.Equal(t, uint64(100), scheduled.minSlot)
		require.Equal(t, 100+MaxSlotRange, scheduled.maxSlot)
		require.False(t, scheduled.highPriority)
		require.Contains(t, f.storage.bundles, id)
	})

	t.Run("known bundle is not scheduled twice", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		txs := f.tippedBundle(t, 1000)
		id1, err := f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		id2, err := f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.Equal(t, id1, id2)
		require.Len(t, f.scheduler.scheduled, 1)
	})

	t.Run("dropped bundle is scheduled again", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{MaxDropsBeforeReject: 3})
		txs := f.tippedBundle(t, 1000)
		id, err := f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)

		// the worker drops the bundle
		_, err = f.drops.IncDrops(ctx, id.String())
		require.NoError(t, err)
		f.storage.bundles[id].Status = "dropped"

		_, err = f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.Len(t, f.scheduler.scheduled, 2)
		require.Equal(t, StatusPending, f.storage.bundles[id].Status)

		_, err = f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.Len(t, f.scheduler.scheduled, 2)
	})

	t.Run("stored bundle is not scheduled after cache eviction", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		txs := f.tippedBundle(t, 1000)
		id, err := f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.True(t, f.api.knownBundleCache.Remove(id))

		_, err = f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.Len(t, f.scheduler.scheduled, 1)
		require.True(t, f.api.knownBundleCache.Contains(id))

		// dropped while evicted from the cache
		require.True(t, f.api.knownBundleCache.Remove(id))
		f.storage.bundles[id].Status = "dropped"
		_, err = f.api.SendBundle(ctx, txs, nil)
		require.NoError(t, err)
		require.Len(t, f.scheduler.scheduled, 2)
		require.Equal(t, StatusPending, f.storage.bundles[id].Status)
	})

	t.Run("slot range", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		_, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), &SendBundleOptions{SlotRange: 2})
		require.NoError(t, err)
		require.Equal(t, uint64(102), f.scheduler.scheduled[0].maxSlot)

		_, err = f.api.SendBundle(ctx, f.tippedBundle(t, 1000), &SendBundleOptions{SlotRange: MaxSlotRange + 1})
		require.ErrorIs(t, err, ErrInvalidSlotRange)
	})

	t.Run("base64 encoding", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		raws := f.tippedBundle(t, 1000)
		decoded := make([][]byte, len(raws))
		for i, s := range raws {
			raw, err := txutil.DecodeString(s, txutil.EncodingBase58)
			require.NoError(t, err)
			decoded[i] = raw
		}
		_, err := f.api.SendBundle(ctx, encode(t, txutil.EncodingBase64, decoded...), &SendBundleOptions{Encoding: "base64"})
		require.NoError(t, err)

		_, err = f.api.SendBundle(ctx, raws, &SendBundleOptions{Encoding: "hex"})
		require.ErrorIs(t, err, txutil.ErrUnsupportedEncoding)
	})

	t.Run("rejects invalid bundles", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		_, err := f.api.SendBundle(ctx, nil, nil)
		require.ErrorIs(t, err, ErrInvalidBundleSize)

		_, err = f.api.SendBundle(ctx, encode(t, txutil.EncodingBase58, newSignedTransfer(t, 1)), nil)
		require.ErrorIs(t, err, errNoTip)
		require.Empty(t, f.scheduler.scheduled)
	})

	t.Run("rejects bundles dropped too often", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{MaxDropsBeforeReject: 2})
		txs := f.tippedBundle(t, 1000)
		raws := make([]*Transaction, len(txs))
		for i, s := range txs {
			raw, err := txutil.DecodeString(s, txutil.EncodingBase58)
			require.NoError(t, err)
			raws[i] = NewTransaction(raw)
		}
		id := ComputeBundleID(raws)
		for i := 0; i < 2; i++ {
			_, err := f.drops.IncDrops(ctx, id.String())
			require.NoError(t, err)
		}

		_, err := f.api.SendBundle(ctx, txs, nil)
		require.ErrorIs(t, err, ErrBundleRejected)
		require.Empty(t, f.scheduler.scheduled)
	})

	t.Run("rate limit", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{SendBundleRateLimit: rate.Every(time.Hour)})
		_, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
		require.NoError(t, err)
		_, err = f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
		require.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("scheduler failure", func(t *testing.T) {
		f := newAPIFixture(t, APIConfig{})
		f.scheduler.err = errors.New("queue full") //nolint:goerr113
		_, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
		require.ErrorIs(t, err, ErrInternalServiceError)
	})
}

func TestAPIGetBundleStatuses(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, APIConfig{StatusCacheDuration: time.Second})
	id, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
	require.NoError(t, err)

	statuses, err := f.api.GetBundleStatuses(ctx, []BundleID{id, "unknown"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, id, statuses[0].BundleID)
	require.Equal(t, StatusPending, statuses[0].Status)
	require.Nil(t, statuses[1])

	// served from cache
	_, err = f.api.GetBundleStatuses(ctx, []BundleID{id})
	require.NoError(t, err)
	require.Equal(t, 2, f.storage.lookups)

	_, err = f.api.GetBundleStatuses(ctx, make([]BundleID, MaxBundleStatusesRequest+1))
	require.ErrorIs(t, err, ErrTooManyBundleIDs)
}

func TestAPIGetTipAccounts(t *testing.T) {
	f := newAPIFixture(t, APIConfig{})
	accounts, err := f.api.GetTipAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{f.tipAccount.String()}, accounts)
}

func TestAPICancelBundle(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, APIConfig{})
	id, err := f.api.SendBundle(ctx, f.tippedBundle(t, 1000), nil)
	require.NoError(t, err)

	require.NoError(t, f.api.CancelBundle(ctx, id))
	require.Equal(t, []BundleID{id}, f.cancelCache.added)

	require.ErrorIs(t, f.api.CancelBundle(ctx, id), ErrBundleNotCancelled)
	require.ErrorIs(t, f.api.CancelBundle(ctx, "unknown"), ErrBundleNotCancelled)
}
