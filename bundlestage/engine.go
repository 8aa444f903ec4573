package bundlestage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Engine runs single execution attempts of bundles against validator state.
// It is safe for concurrent use, bundles with overlapping accounts are serialized by the LockManager.
type Engine struct {
	log      *zap.Logger
	locks    LockManager
	cost     CostModel
	heights  HeightMonitor
	tips     TipSettler
	shutdown *Shutdown
}

func NewEngine(log *zap.Logger, locks LockManager, cost CostModel, heights HeightMonitor, tips TipSettler, shutdown *Shutdown) *Engine {
	if shutdown == nil {
		shutdown = NewShutdown()
	}
	return &Engine{
		log:      log.Named("engine"),
		locks:    locks,
		cost:     cost,
		heights:  heights,
		tips:     tips,
		shutdown: shutdown,
	}
}

func (e *Engine) Shutdown() *Shutdown {
	return e.shutdown
}

// Attempt executes bundle once: lock, height check, cost check, sequential execution, tip settlement.
// The returned result is never nil. A nil error means every transaction was committed and the tip,
// if any, was settled; otherwise the error is a *BundleExecutionError.
//
// When state is a WorkingState it is committed (success or TipError) or discarded before the account
// locks are released.
func (e *Engine) Attempt(ctx context.Context, bundle *Bundle, state StateSnapshot) (res *AttemptResult, err error) {
	res = &AttemptResult{
		BundleID:  bundle.ID,
		TxResults: make([]TxResult, len(bundle.Transactions)),
	}
	for i, tx := range bundle.Transactions {
		res.TxResults[i].Signature = tx.Signature
	}

	var (
		guard       LockGuard
		reservation CostReservation
	)
	defer func() {
		if r := recover(); r != nil {
			discard(state)
			if reservation != nil {
				reservation.Release()
			}
			if guard != nil {
				guard.Release()
			}
			panic(r)
		}
		res.RolledBack = !e.finalize(bundle, state, err, reservation)
		if guard != nil {
			guard.Release()
		}
		res.Height = e.heights.CurrentHeight()
	}()

	logger := e.log.With(zap.String("bundle", bundle.ID.String()))
	if len(bundle.Transactions) == 0 {
		// nothing can be locked for an empty bundle
		return res, ErrLockError
	}

	if e.interrupted(ctx) {
		skipFrom(res, 0)
		return res, ErrShutdown
	}

	lockStart := time.Now()
	lockCtx, cancelLock := e.shutdown.WithContext(ctx)
	guard, err = e.locks.AcquireLocks(lockCtx, bundle)
	cancelLock()
	if err != nil {
		skipFrom(res, 0)
		if e.interrupted(ctx) || isContextErr(err) {
			return res, ErrShutdown
		}
		logger.Debug("Failed to lock bundle", zap.Error(err))
		return res, ErrLockError
	}
	logger.Debug("Locked bundle accounts", zap.Duration("lock_wait", time.Since(lockStart)))

	if e.interrupted(ctx) {
		skipFrom(res, 0)
		return res, ErrShutdown
	}
	if e.maxHeightReached() {
		skipFrom(res, 0)
		return res, ErrPohMaxHeight
	}
	var fits bool
	if reservation, fits = e.reserveCost(bundle); !fits {
		skipFrom(res, 0)
		return res, ErrExceedsCostModel
	}

	execCtx, cancelExec := e.shutdown.WithContext(ctx)
	defer cancelExec()
	for i, tx := range bundle.Transactions {
		if i > 0 {
			if e.interrupted(ctx) {
				skipFrom(res, i)
				return res, ErrShutdown
			}
			if e.maxHeightReached() {
				logger.Debug("PoH max height reached mid bundle", zap.Int("executed", i))
				skipFrom(res, i)
				return res, ErrPohMaxHeight
			}
		}

		execErr := state.ExecuteTransaction(execCtx, i, tx)
		if execErr != nil {
			if isContextErr(execErr) || e.interrupted(ctx) {
				skipFrom(res, i)
				return res, ErrShutdown
			}
			txErr := normalizeTransactionError(i, tx, execErr)
			res.TxResults[i].Status = TxFailed
			res.TxResults[i].Err = &JitoTransactionError{Kind: JitoTransactionFailed, TxErr: txErr}
			skipFrom(res, i+1)
			e.checkContinuity(logger, res)
			return res, NewTransactionFailure(txErr)
		}
		res.TxResults[i].Status = TxCommitted
	}
	e.checkContinuity(logger, res)

	if bundle.Tip == nil {
		return res, nil
	}
	if e.interrupted(ctx) {
		return res, ErrShutdown
	}

	settleCtx, cancelSettle := e.shutdown.WithContext(ctx)
	settleErr := e.tips.Settle(settleCtx, state, *bundle.Tip)
	cancelSettle()
	if settleErr != nil {
		if e.interrupted(ctx) {
			return res, ErrShutdown
		}
		var tipErr *TipPaymentError
		if !errors.As(settleErr, &tipErr) {
			tipErr = NewAnchorError(settleErr.Error())
		}
		logger.Warn("Tip settlement failed", zap.Error(tipErr), zap.String("tip_account", bundle.Tip.Account.String()))
		return res, NewTipError(tipErr)
	}
	res.TipSettled = true
	return res, nil
}

// reserveCost takes the bundle's cost from the block budget when the cost model supports reservations,
// otherwise it only checks the budget.
func (e *Engine) reserveCost(bundle *Bundle) (CostReservation, bool) {
	if reserver, ok := e.cost.(CostReserver); ok {
		return reserver.TryReserve(bundle)
	}
	return nil, e.cost.FitsBudget(bundle)
}

// finalize keeps the effects of a working state when its transactions were committed, which is also
// the case when only the tip settlement failed. It reports whether the effects were kept.
func (e *Engine) finalize(bundle *Bundle, state StateSnapshot, err error, reservation CostReservation) bool {
	keep := err == nil || errors.Is(err, ErrTipError)
	if !keep && reservation != nil {
		reservation.Release()
	}
	working, ok := state.(WorkingState)
	if !ok {
		return keep
	}
	if !keep {
		working.Discard()
		return false
	}
	working.Commit()
	if recorder, ok := e.cost.(CostRecorder); ok && reservation == nil {
		recorder.RecordBundle(bundle)
	}
	return true
}

func discard(state StateSnapshot) {
	if working, ok := state.(WorkingState); ok {
		working.Discard()
	}
}

func (e *Engine) interrupted(ctx context.Context) bool {
	return e.shutdown.Triggered() || ctx.Err() != nil
}

func (e *Engine) maxHeightReached() bool {
	return e.heights.CurrentHeight() >= e.heights.MaxHeight()
}

// checkContinuity flags every committed result that follows a result which was not committed.
// Execution is strictly sequential so this indicates a fault in the engine itself.
func (e *Engine) checkContinuity(logger *zap.Logger, res *AttemptResult) {
	if idx := markDiscontinuities(res.TxResults); idx >= 0 {
		logger.Error("Bundle execution is not continuous", zap.Int("first_out_of_order_tx", idx))
	}
}

// markDiscontinuities returns the index of the first out of order commit, or -1.
func markDiscontinuities(results []TxResult) int {
	first := -1
	gap := false
	for i := range results {
		if results[i].Status != TxCommitted {
			gap = true
			continue
		}
		if gap {
			results[i].Err = &JitoTransactionError{Kind: JitoBundleNotContinuous}
			if first < 0 {
				first = i
			}
		}
	}
	return first
}

func skipFrom(res *AttemptResult, from int) {
	for i := from; i < len(res.TxResults); i++ {
		res.TxResults[i].Status = TxSkipped
		res.TxResults[i].Err = &JitoTransactionError{Kind: JitoSkippedExecution}
	}
}

func normalizeTransactionError(index int, tx *Transaction, err error) *TransactionError {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		normalized := *txErr
		normalized.Index = index
		normalized.Signature = tx.Signature
		return &normalized
	}
	return &TransactionError{
		Index:     index,
		Signature: tx.Signature,
		Message:   err.Error(),
		Malformed: tx.Tx == nil,
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
