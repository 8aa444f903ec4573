package bundlestage

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/sha3"
)

var ErrEmptyBundle = errors.New("bundle has no transactions")

const (
	SendBundleEndpointName        = "sendBundle"
	GetBundleStatusesEndpointName = "getBundleStatuses"
	GetTipAccountsEndpointName    = "getTipAccounts"
	CancelBundleEndpointName      = "cancelBundle"
)

// BundleID is the hex encoded sha3-256 digest of the bundle's transaction signatures.
type BundleID string

func (id BundleID) String() string {
	return string(id)
}

type Transaction struct {
	Signature solana.Signature
	Raw       []byte
	// Tx is nil when Raw could not be decoded.
	Tx *solana.Transaction
}

type Tip struct {
	Account  solana.PublicKey `json:"account"`
	Lamports uint64           `json:"lamports"`
}

type Bundle struct {
	ID           BundleID
	Transactions []*Transaction
	Tip          *Tip
	ReceivedAt   time.Time
}

// NewBundle builds a bundle and derives its ID. The order of txs is preserved.
func NewBundle(txs []*Transaction, tip *Tip, receivedAt time.Time) (*Bundle, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	return &Bundle{
		ID:           ComputeBundleID(txs),
		Transactions: txs,
		Tip:          tip,
		ReceivedAt:   receivedAt,
	}, nil
}

func ComputeBundleID(txs []*Transaction) BundleID {
	hasher := sha3.New256()
	for _, tx := range txs {
		hasher.Write(tx.Signature[:])
	}
	return BundleID(hex.EncodeToString(hasher.Sum(nil)))
}

type Account struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
}

type AccountReader interface {
	GetAccount(key solana.PublicKey) (Account, bool)
}

// StateSnapshot is the validator state a single attempt executes against.
// ExecuteTransaction applies one transaction atomically or not at all; the returned error is
// a *TransactionError for ledger-level failures.
type StateSnapshot interface {
	AccountReader
	ExecuteTransaction(ctx context.Context, index int, tx *Transaction) error
}

// WorkingState is a StateSnapshot whose effects can be kept or thrown away as a whole.
// Only one of Commit and Discard is called, once.
type WorkingState interface {
	StateSnapshot
	Commit()
	Discard()
}

type Ledger interface {
	Begin() WorkingState
}

type LockGuard interface {
	Release()
}

// LockManager acquires write locks over every account touched by a bundle. It may block while
// conflicting bundles hold their locks and must return ErrMalformedTransaction when the account set
// of a transaction cannot be determined.
type LockManager interface {
	AcquireLocks(ctx context.Context, bundle *Bundle) (LockGuard, error)
}

var ErrMalformedTransaction = errors.New("malformed transaction, cannot determine account locks")

type CostModel interface {
	FitsBudget(bundle *Bundle) bool
}

// CostRecorder is optionally implemented by a CostModel that wants to account for committed bundles.
type CostRecorder interface {
	RecordBundle(bundle *Bundle)
}

// CostReservation is block budget held by one attempt.
type CostReservation interface {
	Release()
}

// CostReserver is optionally implemented by a CostModel whose budget is shared by concurrent attempts.
// TryReserve checks the budget and takes the bundle's cost from it in one step. The engine releases the
// reservation when the attempt's effects are discarded and keeps it when they are committed.
type CostReserver interface {
	TryReserve(bundle *Bundle) (CostReservation, bool)
}

type HeightMonitor interface {
	CurrentHeight() uint64
	MaxHeight() uint64
}

// SlotMonitor is optionally implemented by a HeightMonitor that knows the current slot. The block cost
// budget resets every slot, bundles that exceeded it are retried once the slot changes.
type SlotMonitor interface {
	Slot() uint64
}

type TipSettler interface {
	Settle(ctx context.Context, state StateSnapshot, tip Tip) error
}

// TxStatus is the execution status of one transaction within an attempt. TxCommitted means the
// transaction executed successfully in the attempt's working state, it persists only when the attempt
// does not end up rolled back, see AttemptResult.RolledBack.
type TxStatus uint8

const (
	TxNotExecuted TxStatus = iota
	TxCommitted
	TxFailed
	TxSkipped
)

func (s TxStatus) String() string {
	switch s {
	case TxCommitted:
		return "committed"
	case TxFailed:
		return "failed"
	case TxSkipped:
		return "skipped"
	default:
		return "not_executed"
	}
}

type TxResult struct {
	Signature solana.Signature
	Status    TxStatus
	Err       *JitoTransactionError
}

type AttemptResult struct {
	BundleID   BundleID
	TxResults  []TxResult
	TipSettled bool
	// RolledBack is set when the working state of the attempt was discarded. Transactions reported as
	// TxCommitted were executed but their effects did not persist.
	RolledBack bool
	// Height is the PoH height observed when the attempt finished.
	Height uint64
}

// Committed reports whether every transaction of the attempt was applied.
func (r *AttemptResult) Committed() bool {
	for _, res := range r.TxResults {
		if res.Status != TxCommitted {
			return false
		}
	}
	return len(r.TxResults) > 0
}
