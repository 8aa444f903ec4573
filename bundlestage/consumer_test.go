package bundlestage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/bundle-stage/poh"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type consumerFixture struct {
	*engineFixture
	ledger   *fakeLedger
	store    *fakeStore
	arena    *BudgetArena
	policy   RetryPolicy
	consumer *BundleConsumer
}

func newConsumerFixture(policy RetryPolicy, configure func(f *engineFixture)) *consumerFixture {
	ef := newEngineFixture()
	if configure != nil {
		configure(ef)
	}
	ef.engine = NewEngine(zap.NewNop(), ef.locks, ef.cost, ef.heights, ef.tips, ef.shutdown)
	f := &consumerFixture{
		engineFixture: ef,
		ledger:        &fakeLedger{},
		store:         &fakeStore{},
		arena:         NewBudgetArena(nil),
		policy:        policy,
	}
	f.consumer = NewBundleConsumer(zap.NewNop(), ef.engine, f.ledger, policy, f.arena, f.store)
	return f
}

// slotCost fits bundles only from minSlot on, as if the block budget of earlier slots was used up.
type slotCost struct {
	slots    SlotMonitor
	minSlot  uint64
	once     sync.Once
	rejected chan struct{}
}

func (c *slotCost) FitsBudget(*Bundle) bool {
	if c.slots.Slot() >= c.minSlot {
		return true
	}
	c.once.Do(func() { close(c.rejected) })
	return false
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryDuration: 200 * time.Millisecond,
		LockErrors:       LockErrorRetry,
		PollInterval:     time.Millisecond,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	}
}

func TestBundleConsumerProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("committed on first attempt", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), nil)
		bundle := testBundle(t, 2, testTip(t))

		outcome, err := f.consumer.Process(ctx, bundle)
		require.NoError(t, err)
		require.Equal(t, OutcomeCommitted, outcome.Kind)
		require.Equal(t, StateCommitted, outcome.State)
		require.NoError(t, outcome.Reason)
		require.Equal(t, 1, outcome.Attempts)
		require.Len(t, outcome.History, 1)
		require.Equal(t, OutcomeCommitted, outcome.History[0].Kind)

		states := f.ledger.attempts()
		require.Len(t, states, 1)
		require.True(t, states[0].committed)

		require.Len(t, f.store.attempts, 1)
		require.Equal(t, []*Outcome{outcome}, f.store.outcomes)
		require.Equal(t, 0, f.arena.InFlight())
	})

	t.Run("retries cost model until next block", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), func(ef *engineFixture) {
			ef.cost = newFakeCost(2)
			ef.heights.advance = true
		})

		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeCommitted, outcome.Kind)
		require.Equal(t, 3, outcome.Attempts)
		require.ErrorIs(t, outcome.History[0].Reason, ErrExceedsCostModel)
		require.Equal(t, OutcomeRetryable, outcome.History[0].Kind)
		require.ErrorIs(t, outcome.History[1].Reason, ErrExceedsCostModel)
		require.NoError(t, outcome.History[2].Reason)

		states := f.ledger.attempts()
		require.Len(t, states, 3)
		require.True(t, states[0].discarded)
		require.True(t, states[1].discarded)
		require.True(t, states[2].committed)
		require.Equal(t, int32(1), f.cost.recorded.Load())
	})

	t.Run("retries cost model in the next slot of the leader window", func(t *testing.T) {
		recorder := poh.NewRecorder(zap.NewNop(), poh.Config{TicksPerSlot: 4, SlotsPerLeader: 4, LeaderRotation: 1})
		cost := &slotCost{slots: recorder, minSlot: 1, rejected: make(chan struct{})}
		engine := NewEngine(zap.NewNop(), newFakeLocks(), cost, recorder, &fakeTips{}, nil)
		ledger := &fakeLedger{}
		consumer := NewBundleConsumer(zap.NewNop(), engine, ledger, testPolicy(), nil, &fakeStore{})

		// the leader window ends at height 16, the slot changes at height 4
		go func() {
			<-cost.rejected
			for i := 0; i < 4; i++ {
				recorder.Tick()
			}
		}()

		outcome, err := consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeCommitted, outcome.Kind)
		require.Equal(t, 2, outcome.Attempts)
		require.ErrorIs(t, outcome.History[0].Reason, ErrExceedsCostModel)
		require.Equal(t, uint64(16), recorder.MaxHeight())
		require.True(t, ledger.attempts()[1].committed)
	})

	t.Run("retries failed transaction with backoff", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), nil)
		f.ledger.prepare = func(attempt int, state *fakeState) {
			if attempt == 1 {
				state.failAt[1] = errors.New("account in use") //nolint:goerr113
			}
		}

		outcome, err := f.consumer.Process(ctx, testBundle(t, 2, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeCommitted, outcome.Kind)
		require.Equal(t, 2, outcome.Attempts)
		require.Equal(t, []TxStatus{TxCommitted, TxFailed}, txStatuses(&AttemptResult{TxResults: outcome.History[0].TxResults}))
		require.True(t, outcome.History[0].RolledBack)
		require.False(t, outcome.History[1].RolledBack)
	})

	t.Run("dropped after retry budget", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), func(ef *engineFixture) {
			ef.cost = newFakeCost(-1)
		})

		startAt := time.Now()
		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeDropped, outcome.Kind)
		require.ErrorIs(t, outcome.Reason, ErrMaxRetriesExceeded)
		require.GreaterOrEqual(t, outcome.Elapsed, f.policy.MaxRetryDuration)
		require.Less(t, time.Since(startAt), f.policy.MaxRetryDuration+time.Second)
		require.GreaterOrEqual(t, outcome.Attempts, 1)
		for _, state := range f.ledger.attempts() {
			require.True(t, state.discarded)
		}
		require.Len(t, f.store.outcomes, 1)
	})

	t.Run("tip error is terminal and keeps effects", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), func(ef *engineFixture) {
			ef.tips.err = NewAnchorError("InsufficientTipBalance")
		})

		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, testTip(t)))
		require.NoError(t, err)
		require.Equal(t, OutcomeDropped, outcome.Kind)
		require.ErrorIs(t, outcome.Reason, ErrTipError)
		require.Equal(t, 1, outcome.Attempts)
		require.True(t, f.ledger.attempts()[0].committed)
	})

	t.Run("malformed transaction is not retried", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), nil)
		f.ledger.prepare = func(_ int, state *fakeState) {
			state.failAt[0] = &TransactionError{Message: "cannot decode", Malformed: true}
		}

		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeDropped, outcome.Kind)
		require.ErrorIs(t, outcome.Reason, ErrTransactionFailure)
		require.Equal(t, 1, outcome.Attempts)
	})

	t.Run("lock error policy", func(t *testing.T) {
		policy := testPolicy()
		policy.LockErrors = LockErrorDrop
		f := newConsumerFixture(policy, func(ef *engineFixture) {
			ef.locks.err = ErrMalformedTransaction
		})
		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeDropped, outcome.Kind)
		require.ErrorIs(t, outcome.Reason, ErrLockError)
		require.Equal(t, 1, outcome.Attempts)

		f = newConsumerFixture(testPolicy(), func(ef *engineFixture) {
			ef.locks.err = ErrMalformedTransaction
		})
		outcome, err = f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeDropped, outcome.Kind)
		require.ErrorIs(t, outcome.Reason, ErrMaxRetriesExceeded)
		require.Greater(t, outcome.Attempts, 1)
	})

	t.Run("shutdown while waiting aborts", func(t *testing.T) {
		policy := testPolicy()
		policy.MaxRetryDuration = 10 * time.Second
		f := newConsumerFixture(policy, func(ef *engineFixture) {
			ef.cost = newFakeCost(-1)
		})
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.shutdown.Trigger()
		}()

		outcome, err := f.consumer.Process(ctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeAborted, outcome.Kind)
		require.Equal(t, StateFatalStop, outcome.State)
		require.ErrorIs(t, outcome.Reason, ErrShutdown)
		require.Less(t, outcome.Elapsed, time.Second)
		require.Len(t, f.store.outcomes, 1)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		policy := testPolicy()
		policy.MaxRetryDuration = 10 * time.Second
		f := newConsumerFixture(policy, func(ef *engineFixture) {
			ef.heights.current.Store(1000)
		})
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		outcome, err := f.consumer.Process(cctx, testBundle(t, 1, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeAborted, outcome.Kind)
		require.Less(t, outcome.Elapsed, time.Second)
	})

	t.Run("bundle already in flight", func(t *testing.T) {
		f := newConsumerFixture(testPolicy(), nil)
		bundle := testBundle(t, 1, nil)
		_, err := f.arena.Acquire(bundle.ID)
		require.NoError(t, err)

		_, err = f.consumer.Process(ctx, bundle)
		require.ErrorIs(t, err, ErrBundleInFlight)
		require.Empty(t, f.ledger.attempts())
	})
}
