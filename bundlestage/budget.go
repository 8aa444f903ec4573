package bundlestage

import (
	"errors"
	"sync"
	"time"
)

var ErrBundleInFlight = errors.New("bundle is already being processed")

type OutcomeKind uint8

const (
	OutcomeCommitted OutcomeKind = iota + 1
	OutcomeRetryable
	OutcomeDropped
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeDropped:
		return "dropped"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// AttemptRecord is the outcome of one attempt.
type AttemptRecord struct {
	Attempt   int
	Kind      OutcomeKind
	Reason    error
	StartedAt time.Time
	Duration  time.Duration
	Height    uint64
	TxResults []TxResult

	// RolledBack is set when the effects of the attempt were discarded.
	RolledBack bool
}

// RetryBudget tracks the time spent and attempts made on one bundle.
type RetryBudget struct {
	BundleID  BundleID
	StartedAt time.Time
	Attempts  int
	History   []AttemptRecord

	now func() time.Time
}

func (b *RetryBudget) Elapsed() time.Duration {
	return b.now().Sub(b.StartedAt)
}

// Remaining returns the time left before max, never negative.
func (b *RetryBudget) Remaining(max time.Duration) time.Duration {
	left := max - b.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

func (b *RetryBudget) record(r AttemptRecord) {
	b.Attempts++
	r.Attempt = b.Attempts
	b.History = append(b.History, r)
}

// BudgetArena owns one RetryBudget per in-flight bundle.
type BudgetArena struct {
	mu      sync.Mutex
	budgets map[BundleID]*RetryBudget
	now     func() time.Time
}

func NewBudgetArena(now func() time.Time) *BudgetArena {
	if now == nil {
		now = time.Now
	}
	return &BudgetArena{
		budgets: make(map[BundleID]*RetryBudget),
		now:     now,
	}
}

// Acquire creates the budget for id. Only one task may own a bundle's budget at a time.
func (a *BudgetArena) Acquire(id BundleID) (*RetryBudget, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.budgets[id]; ok {
		return nil, ErrBundleInFlight
	}
	b := &RetryBudget{
		BundleID:  id,
		StartedAt: a.now(),
		now:       a.now,
	}
	a.budgets[id] = b
	return b, nil
}

func (a *BudgetArena) Release(id BundleID) {
	a.mu.Lock()
	delete(a.budgets, id)
	a.mu.Unlock()
}

func (a *BudgetArena) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.budgets)
}

// Outcome is the terminal result of processing a bundle.
type Outcome struct {
	BundleID BundleID
	Kind     OutcomeKind
	State    BundleState
	Reason   error
	Attempts int
	Elapsed  time.Duration
	History  []AttemptRecord
}
