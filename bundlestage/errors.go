package bundlestage

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ExecutionErrorKind enumerates every way a bundle attempt can fail.
type ExecutionErrorKind uint8

const (
	KindPohMaxHeight ExecutionErrorKind = iota + 1
	KindTransactionFailure
	KindExceedsCostModel
	KindTipError
	KindShutdown
	KindMaxRetriesExceeded
	KindLockError
)

func (k ExecutionErrorKind) String() string {
	switch k {
	case KindPohMaxHeight:
		return "poh_max_height"
	case KindTransactionFailure:
		return "transaction_failure"
	case KindExceedsCostModel:
		return "exceeds_cost_model"
	case KindTipError:
		return "tip_error"
	case KindShutdown:
		return "shutdown"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	case KindLockError:
		return "lock_error"
	default:
		return "unknown"
	}
}

// BundleExecutionError is the single top-level error produced by every non-committed attempt.
// Only the payload field matching Kind is set.
type BundleExecutionError struct {
	Kind ExecutionErrorKind

	TxErr   *TransactionError // KindTransactionFailure
	TipErr  *TipPaymentError  // KindTipError
	Elapsed time.Duration     // KindMaxRetriesExceeded
}

var (
	ErrPohMaxHeight     = &BundleExecutionError{Kind: KindPohMaxHeight}
	ErrExceedsCostModel = &BundleExecutionError{Kind: KindExceedsCostModel}
	ErrShutdown         = &BundleExecutionError{Kind: KindShutdown}
	ErrLockError        = &BundleExecutionError{Kind: KindLockError}

	// ErrTransactionFailure, ErrTipError and ErrMaxRetriesExceeded only serve as errors.Is targets,
	// use the constructors to build values carrying a payload.
	ErrTransactionFailure = &BundleExecutionError{Kind: KindTransactionFailure}
	ErrTipError           = &BundleExecutionError{Kind: KindTipError}
	ErrMaxRetriesExceeded = &BundleExecutionError{Kind: KindMaxRetriesExceeded}
)

func NewTransactionFailure(txErr *TransactionError) *BundleExecutionError {
	return &BundleExecutionError{Kind: KindTransactionFailure, TxErr: txErr}
}

func NewTipError(tipErr *TipPaymentError) *BundleExecutionError {
	return &BundleExecutionError{Kind: KindTipError, TipErr: tipErr}
}

func NewMaxRetriesExceeded(elapsed time.Duration) *BundleExecutionError {
	return &BundleExecutionError{Kind: KindMaxRetriesExceeded, Elapsed: elapsed}
}

func (e *BundleExecutionError) Error() string {
	switch e.Kind {
	case KindPohMaxHeight:
		return "PoH max height reached in the middle of a bundle."
	case KindTransactionFailure:
		if e.TxErr != nil {
			return "A transaction in the bundle failed: " + e.TxErr.Error()
		}
		return "A transaction in the bundle failed"
	case KindExceedsCostModel:
		return "The bundle exceeds the cost model"
	case KindTipError:
		if e.TipErr != nil {
			return "Tip error " + e.TipErr.Error()
		}
		return "Tip error"
	case KindShutdown:
		return "Shutdown triggered"
	case KindMaxRetriesExceeded:
		return fmt.Sprintf("The time spent retrying bundles exceeded the allowed time %s", e.Elapsed)
	case KindLockError:
		return "Error locking bundle because the transaction is malformed"
	default:
		return "unknown bundle execution error"
	}
}

// Is matches on kind so the exported sentinels work with errors.Is regardless of payload.
func (e *BundleExecutionError) Is(target error) bool {
	var t *BundleExecutionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *BundleExecutionError) Unwrap() error {
	switch {
	case e.TxErr != nil:
		return e.TxErr
	case e.TipErr != nil:
		return e.TipErr
	default:
		return nil
	}
}

// TransactionError is the normalized failure of a single transaction. The ledger's own error type
// never crosses into this package, only its message.
type TransactionError struct {
	Index     int
	Signature solana.Signature
	Message   string
	// Malformed is set when the transaction could not be interpreted at all (decoding, account
	// resolution). Such failures are never retried.
	Malformed bool
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %d (%s): %s", e.Index, e.Signature, e.Message)
}

type TipPaymentErrorKind uint8

const (
	TipAccountMissing TipPaymentErrorKind = iota + 1
	TipProgramNonExistent
	TipAnchorError
)

// TipPaymentError describes why tip settlement failed. Pubkey is set for AccountMissing and
// ProgramNonExistent, Message for AnchorError.
type TipPaymentError struct {
	Kind    TipPaymentErrorKind
	Pubkey  solana.PublicKey
	Message string
}

var (
	ErrTipAccountMissing     = &TipPaymentError{Kind: TipAccountMissing}
	ErrTipProgramNonExistent = &TipPaymentError{Kind: TipProgramNonExistent}
	ErrTipAnchorError        = &TipPaymentError{Kind: TipAnchorError}
)

func NewAccountMissing(account solana.PublicKey) *TipPaymentError {
	return &TipPaymentError{Kind: TipAccountMissing, Pubkey: account}
}

func NewProgramNonExistent(program solana.PublicKey) *TipPaymentError {
	return &TipPaymentError{Kind: TipProgramNonExistent, Pubkey: program}
}

func NewAnchorError(message string) *TipPaymentError {
	return &TipPaymentError{Kind: TipAnchorError, Message: message}
}

func (e *TipPaymentError) Error() string {
	switch e.Kind {
	case TipAccountMissing:
		return "account is missing from bank: " + e.Pubkey.String()
	case TipProgramNonExistent:
		return "MEV program is non-existent"
	case TipAnchorError:
		return "Anchor error: " + e.Message
	default:
		return "unknown tip payment error"
	}
}

func (e *TipPaymentError) Is(target error) bool {
	var t *TipPaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

type JitoTransactionErrorKind uint8

const (
	JitoTransactionFailed JitoTransactionErrorKind = iota + 1
	JitoBundleNotContinuous
	JitoSkippedExecution
)

// JitoTransactionError is the per-transaction status reported alongside a bundle attempt.
type JitoTransactionError struct {
	Kind  JitoTransactionErrorKind
	TxErr *TransactionError // JitoTransactionFailed
}

var (
	ErrBundleNotContinuous = &JitoTransactionError{Kind: JitoBundleNotContinuous}
	ErrSkippedExecution    = &JitoTransactionError{Kind: JitoSkippedExecution}
)

func (e *JitoTransactionError) Error() string {
	switch e.Kind {
	case JitoTransactionFailed:
		if e.TxErr != nil {
			return e.TxErr.Error()
		}
		return "transaction failed"
	case JitoBundleNotContinuous:
		return "Bundle is not continuous"
	case JitoSkippedExecution:
		return "Transaction did not execute."
	default:
		return "unknown transaction error"
	}
}

func (e *JitoTransactionError) Is(target error) bool {
	var t *JitoTransactionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *JitoTransactionError) Unwrap() error {
	if e.TxErr == nil {
		return nil
	}
	return e.TxErr
}

// ExecutionKind returns the kind of a *BundleExecutionError found in err's chain, or 0.
func ExecutionKind(err error) ExecutionErrorKind {
	var bundleErr *BundleExecutionError
	if errors.As(err, &bundleErr) {
		return bundleErr.Kind
	}
	return 0
}
