// Package accountlocks serializes bundles that touch the same accounts.
//
// A bundle write locks every account any of its transactions writes and read locks the rest.
// Read locks are shared, write locks are exclusive. Bundles that conflict with held locks wait
// until the conflicting bundles release theirs, non-conflicting bundles proceed immediately.
package accountlocks

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
)

type Manager struct {
	mu      sync.Mutex
	writers mapset.Set[solana.PublicKey]
	readers map[solana.PublicKey]int
	// released is closed and replaced every time locks are released
	released chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		writers:  mapset.NewThreadUnsafeSet[solana.PublicKey](),
		readers:  make(map[solana.PublicKey]int),
		released: make(chan struct{}),
	}
}

// AcquireLocks blocks until all accounts of bundle can be locked or ctx is done.
func (m *Manager) AcquireLocks(ctx context.Context, bundle *bundlestage.Bundle) (bundlestage.LockGuard, error) {
	writable, readonly, err := BundleAccounts(bundle)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		if m.available(writable, readonly) {
			writable.Each(func(key solana.PublicKey) bool {
				m.writers.Add(key)
				return false
			})
			readonly.Each(func(key solana.PublicKey) bool {
				m.readers[key]++
				return false
			})
			m.mu.Unlock()
			return &guard{manager: m, writable: writable, readonly: readonly}, nil
		}
		released := m.released
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

func (m *Manager) available(writable, readonly mapset.Set[solana.PublicKey]) bool {
	free := true
	writable.Each(func(key solana.PublicKey) bool {
		if m.writers.Contains(key) || m.readers[key] > 0 {
			free = false
		}
		return !free
	})
	if !free {
		return false
	}
	readonly.Each(func(key solana.PublicKey) bool {
		if m.writers.Contains(key) {
			free = false
		}
		return !free
	})
	return free
}

func (m *Manager) release(g *guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.writable.Each(func(key solana.PublicKey) bool {
		m.writers.Remove(key)
		return false
	})
	g.readonly.Each(func(key solana.PublicKey) bool {
		if m.readers[key]--; m.readers[key] <= 0 {
			delete(m.readers, key)
		}
		return false
	})
	close(m.released)
	m.released = make(chan struct{})
}

// Locked returns the number of write and read locked accounts.
func (m *Manager) Locked() (writes, reads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writers.Cardinality(), len(m.readers)
}

type guard struct {
	manager  *Manager
	writable mapset.Set[solana.PublicKey]
	readonly mapset.Set[solana.PublicKey]
	once     sync.Once
}

func (g *guard) Release() {
	g.once.Do(func() {
		g.manager.release(g)
	})
}

// BundleAccounts returns the accounts bundle write locks and read locks. An account written by any
// transaction is only write locked.
func BundleAccounts(bundle *bundlestage.Bundle) (writable, readonly mapset.Set[solana.PublicKey], err error) {
	writable = mapset.NewThreadUnsafeSet[solana.PublicKey]()
	readonly = mapset.NewThreadUnsafeSet[solana.PublicKey]()
	for i, tx := range bundle.Transactions {
		if tx.Tx == nil {
			return nil, nil, fmt.Errorf("%w: transaction %d could not be decoded", bundlestage.ErrMalformedTransaction, i)
		}
		w, r, err := txutil.LockedAccounts(tx.Tx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: transaction %d: %w", bundlestage.ErrMalformedTransaction, i, err)
		}
		for _, key := range w {
			writable.Add(key)
		}
		for _, key := range r {
			readonly.Add(key)
		}
	}
	readonly = readonly.Difference(writable)
	return writable, readonly, nil
}
