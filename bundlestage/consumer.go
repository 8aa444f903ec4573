package bundlestage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/bundle-stage/metrics"
	"go.uber.org/zap"
)

// OutcomeStore persists the attempt history of bundles.
// NOTE: errors are logged by the consumer and never change a bundle's outcome.
type OutcomeStore interface {
	InsertAttempt(ctx context.Context, bundle *Bundle, record AttemptRecord) error
	UpdateOutcome(ctx context.Context, bundle *Bundle, outcome *Outcome) error
}

// BundleConsumer drives one bundle at a time through the retry state machine until it reaches a
// terminal state. A worker owning a consumer never starts another bundle before the current one is
// committed, dropped or aborted.
type BundleConsumer struct {
	log    *zap.Logger
	engine *Engine
	ledger Ledger
	policy RetryPolicy
	arena  *BudgetArena
	store  OutcomeStore
	now    func() time.Time
}

func NewBundleConsumer(log *zap.Logger, engine *Engine, ledger Ledger, policy RetryPolicy, arena *BudgetArena, store OutcomeStore) *BundleConsumer {
	if arena == nil {
		arena = NewBudgetArena(nil)
	}
	return &BundleConsumer{
		log:    log.Named("consumer"),
		engine: engine,
		ledger: ledger,
		policy: policy,
		arena:  arena,
		store:  store,
		now:    arena.now,
	}
}

// Process returns the terminal outcome of bundle. Every attempt runs against a fresh working state from
// the ledger. An error is returned only when the bundle is already being processed.
func (c *BundleConsumer) Process(ctx context.Context, bundle *Bundle) (*Outcome, error) {
	budget, err := c.arena.Acquire(bundle.ID)
	if err != nil {
		return nil, err
	}
	defer c.arena.Release(bundle.ID)

	startAt := time.Now()
	defer func() {
		metrics.RecordBundleProcessDuration(time.Since(startAt).Milliseconds())
	}()

	logger := c.log.With(zap.String("bundle", bundle.ID.String()))
	back := c.newBackOff()
	state := StatePending

	for {
		if state == StateRetrying && budget.Elapsed() >= c.policy.MaxRetryDuration {
			return c.finish(ctx, logger, bundle, budget, StateDropped, NewMaxRetriesExceeded(budget.Elapsed())), nil
		}

		startedAt := c.now()
		res, attemptErr := c.engine.Attempt(ctx, bundle, c.ledger.Begin())
		failedAt := c.markBlock()

		next, reason := c.policy.Next(state, attemptErr, budget.Elapsed())
		record := AttemptRecord{
			Kind:       outcomeKindOf(next),
			Reason:     attemptErr,
			StartedAt:  startedAt,
			Duration:   c.now().Sub(startedAt),
			Height:     res.Height,
			TxResults:  res.TxResults,
			RolledBack: res.RolledBack,
		}
		budget.record(record)
		metrics.IncBundleAttempt(kindLabel(attemptErr))
		c.insertAttempt(ctx, logger, bundle, budget.History[len(budget.History)-1])

		if next.Terminal() {
			return c.finish(ctx, logger, bundle, budget, next, reason), nil
		}
		state = next

		logger.Debug("Retrying bundle",
			zap.Error(attemptErr),
			zap.Int("attempt", budget.Attempts),
			zap.Duration("elapsed", budget.Elapsed()),
		)
		if err := c.waitForRetry(ctx, budget, attemptErr, failedAt, back); err != nil {
			return c.finish(ctx, logger, bundle, budget, StateFatalStop, ErrShutdown), nil
		}
	}
}

func (c *BundleConsumer) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.policy.InitialBackoff
	exp.MaxInterval = c.policy.MaxBackoff
	// the retry budget bounds the total time, not the backoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// blockMark is the position of the PoH stream right after an attempt.
type blockMark struct {
	maxHeight uint64
	slot      uint64
	hasSlot   bool
}

func (c *BundleConsumer) markBlock() blockMark {
	mark := blockMark{maxHeight: c.engine.heights.MaxHeight()}
	if slots, ok := c.engine.heights.(SlotMonitor); ok {
		mark.slot, mark.hasSlot = slots.Slot(), true
	}
	return mark
}

// waitForRetry blocks until the bundle may be attempted again. Height failures wait for the next leader
// window, cost failures wait for the next slot and every other retryable failure waits for the next
// backoff interval. The wait never extends past the retry budget and returns ErrShutdown as soon as
// shutdown is observed.
func (c *BundleConsumer) waitForRetry(ctx context.Context, budget *RetryBudget, attemptErr error, failedAt blockMark, back backoff.BackOff) error {
	remaining := budget.Remaining(c.policy.MaxRetryDuration)
	if remaining == 0 {
		return nil
	}

	switch {
	case errors.Is(attemptErr, ErrPohMaxHeight):
		return c.waitUntil(ctx, budget, func() bool {
			return c.engine.heights.MaxHeight() != failedAt.maxHeight
		})
	case errors.Is(attemptErr, ErrExceedsCostModel):
		return c.waitUntil(ctx, budget, func() bool {
			return c.slotChanged(failedAt)
		})
	}

	wait := back.NextBackOff()
	if wait == backoff.Stop || wait > remaining {
		wait = remaining
	}
	return c.sleep(ctx, wait)
}

// slotChanged falls back to the max height when the height monitor does not report slots.
func (c *BundleConsumer) slotChanged(mark blockMark) bool {
	if mark.hasSlot {
		return c.engine.heights.(SlotMonitor).Slot() != mark.slot //nolint:forcetypeassert
	}
	return c.engine.heights.MaxHeight() != mark.maxHeight
}

// waitUntil polls ready every PollInterval.
func (c *BundleConsumer) waitUntil(ctx context.Context, budget *RetryBudget, ready func() bool) error {
	ticker := time.NewTicker(c.policy.PollInterval)
	defer ticker.Stop()
	for {
		if ready() {
			return nil
		}
		if budget.Remaining(c.policy.MaxRetryDuration) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-c.engine.shutdown.Done():
			return ErrShutdown
		case <-ticker.C:
		}
	}
}

func (c *BundleConsumer) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrShutdown
	case <-c.engine.shutdown.Done():
		return ErrShutdown
	case <-timer.C:
		return nil
	}
}

func (c *BundleConsumer) finish(ctx context.Context, logger *zap.Logger, bundle *Bundle, budget *RetryBudget, state BundleState, reason error) *Outcome {
	outcome := &Outcome{
		BundleID: bundle.ID,
		Kind:     outcomeKindOf(state),
		State:    state,
		Reason:   reason,
		Attempts: budget.Attempts,
		Elapsed:  budget.Elapsed(),
		History:  budget.History,
	}

	switch outcome.Kind {
	case OutcomeCommitted:
		metrics.IncBundleCommitted()
		logger.Info("Bundle committed", zap.Int("attempts", outcome.Attempts), zap.Duration("elapsed", outcome.Elapsed))
	case OutcomeDropped:
		metrics.IncBundleDropped(kindLabel(reason))
		logger.Info("Bundle dropped", zap.Error(reason), zap.Int("attempts", outcome.Attempts), zap.Duration("elapsed", outcome.Elapsed))
	case OutcomeAborted:
		metrics.IncBundleAborted()
		logger.Warn("Bundle aborted", zap.Error(reason), zap.Int("attempts", outcome.Attempts))
	}

	if c.store != nil {
		// the outcome has to be recorded even when ctx was cancelled by shutdown
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := c.store.UpdateOutcome(storeCtx, bundle, outcome); err != nil {
			logger.Error("Failed to store bundle outcome", zap.Error(err))
		}
	}
	return outcome
}

func (c *BundleConsumer) insertAttempt(ctx context.Context, logger *zap.Logger, bundle *Bundle, record AttemptRecord) {
	if c.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := c.store.InsertAttempt(storeCtx, bundle, record); err != nil {
		logger.Error("Failed to store bundle attempt", zap.Error(err), zap.Int("attempt", record.Attempt))
	}
}

func outcomeKindOf(state BundleState) OutcomeKind {
	switch state {
	case StateCommitted:
		return OutcomeCommitted
	case StateDropped:
		return OutcomeDropped
	case StateFatalStop:
		return OutcomeAborted
	default:
		return OutcomeRetryable
	}
}

func kindLabel(err error) string {
	if err == nil {
		return "none"
	}
	return ExecutionKind(err).String()
}
