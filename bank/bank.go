// Package bank is a small in-memory ledger the bundle stage executes against. It understands system
// program transfers and the tip payment program, which is all a bundle needs to move lamports and pay tips.
package bank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
)

const LamportsPerSignature = uint64(5000)

var (
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	MemoProgramID          = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrMissingSignature      = errors.New("missing required signature")
	ErrUnsupportedProgram    = errors.New("unsupported program")
	ErrUnsupportedSystemInst = errors.New("unsupported system instruction")
	ErrInvalidAccountOwner   = errors.New("account is not owned by the system program")
	ErrLamportsOverflow      = errors.New("lamports overflow")
	ErrWorkingSetClosed      = errors.New("working set already committed or discarded")
)

// Bank holds the committed account state. Working sets read through to it and write back on Commit.
// Commit applies the lamport change of every written account relative to the balance the working set
// read, so accounts written outside of the bundle's lock set, like the tip receiver, never lose the
// credits of concurrently committed bundles.
type Bank struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]bundlestage.Account
	fees     uint64
}

func New(genesis map[solana.PublicKey]bundlestage.Account) *Bank {
	accounts := make(map[solana.PublicKey]bundlestage.Account, len(genesis))
	for key, account := range genesis {
		accounts[key] = account
	}
	return &Bank{accounts: accounts}
}

func (b *Bank) GetAccount(key solana.PublicKey) (bundlestage.Account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	account, ok := b.accounts[key]
	return account, ok
}

func (b *Bank) SetAccount(key solana.PublicKey, account bundlestage.Account) {
	b.mu.Lock()
	b.accounts[key] = account
	b.mu.Unlock()
}

// CollectedFees returns the transaction fees of all committed transactions.
func (b *Bank) CollectedFees() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fees
}

func (b *Bank) Begin() bundlestage.WorkingState {
	return &WorkingSet{
		bank:    b,
		overlay: make(map[solana.PublicKey]bundlestage.Account),
		base:    make(map[solana.PublicKey]baseAccount),
	}
}

func (b *Bank) apply(overlay map[solana.PublicKey]bundlestage.Account, base map[solana.PublicKey]baseAccount, fees uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, account := range overlay {
		current := b.accounts[key]
		account.Lamports = rebase(current.Lamports, base[key].account.Lamports, account.Lamports)
		b.accounts[key] = account
	}
	b.fees += fees
}

// rebase moves current by the difference between updated and base, clamped to the uint64 range.
func rebase(current, base, updated uint64) uint64 {
	if updated >= base {
		delta := updated - base
		if current > math.MaxUint64-delta {
			return math.MaxUint64
		}
		return current + delta
	}
	delta := base - updated
	if delta > current {
		return 0
	}
	return current - delta
}

// baseAccount is an account as first read from the bank by a working set.
type baseAccount struct {
	account bundlestage.Account
	exists  bool
}

// WorkingSet collects the effects of one bundle attempt. Each transaction runs against a scratch copy
// that is merged only when the whole transaction succeeds.
type WorkingSet struct {
	bank    *Bank
	overlay map[solana.PublicKey]bundlestage.Account
	// base pins the bank's view of every account read, later reads see the same balance
	base   map[solana.PublicKey]baseAccount
	fees   uint64
	closed bool
}

func (w *WorkingSet) GetAccount(key solana.PublicKey) (bundlestage.Account, bool) {
	if account, ok := w.overlay[key]; ok {
		return account, true
	}
	if read, ok := w.base[key]; ok {
		return read.account, read.exists
	}
	account, exists := w.bank.GetAccount(key)
	if w.base != nil {
		w.base[key] = baseAccount{account: account, exists: exists}
	}
	return account, exists
}

func (w *WorkingSet) ExecuteTransaction(ctx context.Context, index int, tx *bundlestage.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.closed {
		return ErrWorkingSetClosed
	}
	if tx.Tx == nil {
		return malformed(index, tx, "transaction could not be decoded")
	}
	if err := tx.Tx.VerifySignatures(); err != nil {
		return malformed(index, tx, "signature verification failed: "+err.Error())
	}
	instructions, err := txutil.Instructions(tx.Tx)
	if err != nil {
		return malformed(index, tx, err.Error())
	}

	scratch := &scratchState{parent: w, accounts: make(map[solana.PublicKey]bundlestage.Account)}
	fee := LamportsPerSignature * uint64(len(tx.Tx.Signatures))
	if err := scratch.debit(tx.Tx.Message.AccountKeys[0], fee); err != nil {
		return failed(index, tx, fmt.Sprintf("fee payer: %s", err))
	}
	for i, inst := range instructions {
		if err := scratch.execute(inst); err != nil {
			return failed(index, tx, fmt.Sprintf("instruction %d: %s", i, err))
		}
	}

	for key, account := range scratch.accounts {
		w.overlay[key] = account
	}
	w.fees += fee
	return nil
}

// Transfer moves lamports between two accounts of the working set, used by programs invoked outside
// of a transaction such as the tip payment program.
func (w *WorkingSet) Transfer(from, to solana.PublicKey, lamports uint64) error {
	if w.closed {
		return ErrWorkingSetClosed
	}
	scratch := &scratchState{parent: w, accounts: make(map[solana.PublicKey]bundlestage.Account)}
	if err := scratch.debit(from, lamports); err != nil {
		return err
	}
	if err := scratch.credit(to, lamports); err != nil {
		return err
	}
	for key, account := range scratch.accounts {
		w.overlay[key] = account
	}
	return nil
}

func (w *WorkingSet) Commit() {
	if w.closed {
		panic(ErrWorkingSetClosed)
	}
	w.closed = true
	w.bank.apply(w.overlay, w.base, w.fees)
	w.overlay = nil
	w.base = nil
}

func (w *WorkingSet) Discard() {
	w.closed = true
	w.overlay = nil
	w.base = nil
}

type scratchState struct {
	parent   *WorkingSet
	accounts map[solana.PublicKey]bundlestage.Account
}

func (s *scratchState) get(key solana.PublicKey) (bundlestage.Account, bool) {
	if account, ok := s.accounts[key]; ok {
		return account, true
	}
	return s.parent.GetAccount(key)
}

func (s *scratchState) debit(key solana.PublicKey, lamports uint64) error {
	account, ok := s.get(key)
	if !ok || account.Lamports < lamports {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, key)
	}
	account.Lamports -= lamports
	s.accounts[key] = account
	return nil
}

func (s *scratchState) credit(key solana.PublicKey, lamports uint64) error {
	account, ok := s.get(key)
	if !ok {
		account = bundlestage.Account{Owner: solana.SystemProgramID}
	}
	if account.Lamports > math.MaxUint64-lamports {
		return ErrLamportsOverflow
	}
	account.Lamports += lamports
	s.accounts[key] = account
	return nil
}

func (s *scratchState) execute(inst txutil.Instruction) error {
	switch {
	case inst.ProgramID.Equals(solana.SystemProgramID):
		transfer, ok, err := txutil.DecodeTransfer(inst)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnsupportedSystemInst
		}
		if !inst.Accounts[0].IsSigner {
			return fmt.Errorf("%w: %s", ErrMissingSignature, transfer.From)
		}
		if from, exists := s.get(transfer.From); exists && !from.Owner.Equals(solana.SystemProgramID) {
			return fmt.Errorf("%w: %s", ErrInvalidAccountOwner, transfer.From)
		}
		if err := s.debit(transfer.From, transfer.Lamports); err != nil {
			return err
		}
		return s.credit(transfer.To, transfer.Lamports)
	case inst.ProgramID.Equals(ComputeBudgetProgramID), inst.ProgramID.Equals(MemoProgramID):
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedProgram, inst.ProgramID)
	}
}

func malformed(index int, tx *bundlestage.Transaction, message string) *bundlestage.TransactionError {
	return &bundlestage.TransactionError{Index: index, Signature: tx.Signature, Message: message, Malformed: true}
}

func failed(index int, tx *bundlestage.Transaction, message string) *bundlestage.TransactionError {
	return &bundlestage.TransactionError{Index: index, Signature: tx.Signature, Message: message}
}
