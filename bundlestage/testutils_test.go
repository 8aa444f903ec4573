package bundlestage

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testBundle(t *testing.T, n int, tip *Tip) *Bundle {
	t.Helper()
	txs := make([]*Transaction, n)
	for i := range txs {
		var sig solana.Signature
		_, err := rand.Read(sig[:])
		require.NoError(t, err)
		txs[i] = &Transaction{Signature: sig, Raw: sig[:], Tx: &solana.Transaction{}}
	}
	bundle, err := NewBundle(txs, tip, time.Now())
	require.NoError(t, err)
	return bundle
}

func testTip(t *testing.T) *Tip {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &Tip{Account: key.PublicKey(), Lamports: 1000}
}

type fakeState struct {
	mu        sync.Mutex
	failAt    map[int]error
	executed  []int
	committed bool
	discarded bool
	// onExecute runs after a transaction was executed successfully
	onExecute func(index int)
	panicAt   int
	// blockAt blocks execution of the transaction until ctx is done
	blockAt int
}

func newFakeState() *fakeState {
	return &fakeState{failAt: map[int]error{}, panicAt: -1, blockAt: -1}
}

func (s *fakeState) GetAccount(solana.PublicKey) (Account, bool) {
	return Account{}, false
}

func (s *fakeState) ExecuteTransaction(ctx context.Context, index int, _ *Transaction) error {
	if index == s.panicAt {
		panic("execution fault")
	}
	if index == s.blockAt {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	err := s.failAt[index]
	if err == nil {
		s.executed = append(s.executed, index)
	}
	s.mu.Unlock()
	if err == nil && s.onExecute != nil {
		s.onExecute(index)
	}
	return err
}

func (s *fakeState) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed || s.discarded {
		panic("working state finalized twice")
	}
	s.committed = true
}

func (s *fakeState) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed || s.discarded {
		panic("working state finalized twice")
	}
	s.discarded = true
}

// fakeLedger hands out a fresh state per attempt, configured by prepare.
type fakeLedger struct {
	mu      sync.Mutex
	states  []*fakeState
	prepare func(attempt int, state *fakeState)
}

func (l *fakeLedger) Begin() WorkingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := newFakeState()
	if l.prepare != nil {
		l.prepare(len(l.states)+1, state)
	}
	l.states = append(l.states, state)
	return state
}

func (l *fakeLedger) attempts() []*fakeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeState(nil), l.states...)
}

type fakeGuard struct {
	released *atomic.Int32
}

func (g fakeGuard) Release() {
	g.released.Inc()
}

type fakeLocks struct {
	err      error
	block    bool
	acquired *atomic.Int32
	released *atomic.Int32
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{acquired: atomic.NewInt32(0), released: atomic.NewInt32(0)}
}

func (l *fakeLocks) AcquireLocks(ctx context.Context, _ *Bundle) (LockGuard, error) {
	if l.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if l.err != nil {
		return nil, l.err
	}
	l.acquired.Inc()
	return fakeGuard{released: l.released}, nil
}

type fakeCost struct {
	// fitsAfter is the number of FitsBudget calls that fail before the bundle fits, -1 never fits
	fitsAfter int
	calls     *atomic.Int32
	recorded  *atomic.Int32
}

func newFakeCost(fitsAfter int) *fakeCost {
	return &fakeCost{fitsAfter: fitsAfter, calls: atomic.NewInt32(0), recorded: atomic.NewInt32(0)}
}

func (c *fakeCost) FitsBudget(*Bundle) bool {
	calls := int(c.calls.Inc())
	return c.fitsAfter >= 0 && calls > c.fitsAfter
}

func (c *fakeCost) RecordBundle(*Bundle) {
	c.recorded.Inc()
}

// fakeReservingCost holds at most limit bundles at a time.
type fakeReservingCost struct {
	*fakeCost
	limit    int32
	held     *atomic.Int32
	released *atomic.Int32
}

func newFakeReservingCost(limit int32) *fakeReservingCost {
	return &fakeReservingCost{fakeCost: newFakeCost(0), limit: limit, held: atomic.NewInt32(0), released: atomic.NewInt32(0)}
}

func (c *fakeReservingCost) TryReserve(*Bundle) (CostReservation, bool) {
	if c.held.Inc() > c.limit {
		c.held.Dec()
		return nil, false
	}
	return &fakeReservation{cost: c}, true
}

type fakeReservation struct {
	cost *fakeReservingCost
}

func (r *fakeReservation) Release() {
	r.cost.held.Dec()
	r.cost.released.Inc()
}

type fakeHeights struct {
	current *atomic.Uint64
	max     *atomic.Uint64
	// advance moves MaxHeight forward on every read, as if a new slot started
	advance bool
}

func newFakeHeights(current, max uint64) *fakeHeights {
	return &fakeHeights{current: atomic.NewUint64(current), max: atomic.NewUint64(max)}
}

func (h *fakeHeights) CurrentHeight() uint64 {
	return h.current.Load()
}

func (h *fakeHeights) MaxHeight() uint64 {
	if h.advance {
		return h.max.Inc()
	}
	return h.max.Load()
}

type fakeTips struct {
	mu      sync.Mutex
	err     error
	settled []Tip
}

func (f *fakeTips) Settle(_ context.Context, _ StateSnapshot, tip Tip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.settled = append(f.settled, tip)
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	attempts []AttemptRecord
	outcomes []*Outcome
}

func (s *fakeStore) InsertAttempt(_ context.Context, _ *Bundle, record AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, record)
	return nil
}

func (s *fakeStore) UpdateOutcome(_ context.Context, _ *Bundle, outcome *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}
