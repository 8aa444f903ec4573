package bank

import (
	"sync"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/txutil"
)

// Compute unit costs, a simplified version of the validator cost model.
const (
	SignatureCost        = uint64(720)
	WriteLockCost        = uint64(300)
	BuiltinInstCost      = uint64(150)
	DataBytesCostDivisor = uint64(4)

	DefaultBlockCostLimit = uint64(48_000_000)
)

// TransactionCost returns the compute units tx is charged against the block limit.
// Transactions that cannot be decoded cost nothing, they fail before consuming anything.
func TransactionCost(tx *bundlestage.Transaction) uint64 {
	if tx.Tx == nil {
		return 0
	}
	cost := SignatureCost * uint64(len(tx.Tx.Signatures))
	writable, _, err := txutil.LockedAccounts(tx.Tx)
	if err != nil {
		return cost
	}
	cost += WriteLockCost * uint64(len(writable))
	for _, inst := range tx.Tx.Message.Instructions {
		cost += BuiltinInstCost + uint64(len(inst.Data))/DataBytesCostDivisor
	}
	return cost
}

func BundleCost(bundle *bundlestage.Bundle) uint64 {
	var cost uint64
	for _, tx := range bundle.Transactions {
		cost += TransactionCost(tx)
	}
	return cost
}

// BlockCostTracker accounts the compute units used by committed bundles in the current slot.
// The usage is reset when slotFn reports a new slot.
type BlockCostTracker struct {
	mu     sync.Mutex
	limit  uint64
	slotFn func() uint64
	slot   uint64
	used   uint64
}

func NewBlockCostTracker(limit uint64, slotFn func() uint64) *BlockCostTracker {
	if limit == 0 {
		limit = DefaultBlockCostLimit
	}
	return &BlockCostTracker{
		limit:  limit,
		slotFn: slotFn,
		slot:   slotFn(),
	}
}

func (t *BlockCostTracker) FitsBudget(bundle *bundlestage.Bundle) bool {
	cost := BundleCost(bundle)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.used+cost <= t.limit
}

func (t *BlockCostTracker) RecordBundle(bundle *bundlestage.Bundle) {
	cost := BundleCost(bundle)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.used += cost
}

// TryReserve takes the cost of bundle from the budget of the current slot when it fits. Concurrent callers
// can never reserve more than the limit.
func (t *BlockCostTracker) TryReserve(bundle *bundlestage.Bundle) (bundlestage.CostReservation, bool) {
	cost := BundleCost(bundle)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if t.used+cost > t.limit {
		return nil, false
	}
	t.used += cost
	return &costReservation{tracker: t, slot: t.slot, cost: cost}, true
}

func (t *BlockCostTracker) Used() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.used
}

func (t *BlockCostTracker) rollover() {
	if slot := t.slotFn(); slot != t.slot {
		t.slot = slot
		t.used = 0
	}
}

type costReservation struct {
	tracker  *BlockCostTracker
	slot     uint64
	cost     uint64
	released bool
}

// Release returns the reserved cost. Usage of a past slot is already gone, so a reservation that outlived
// its slot releases nothing.
func (r *costReservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	t.rollover()
	if t.slot == r.slot && t.used >= r.cost {
		t.used -= r.cost
	}
}
