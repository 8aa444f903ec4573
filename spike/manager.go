// Package spike coalesces concurrent lookups of the same key into a single fetch and caches the result.
// It is used to serve bursts of status requests for the same bundle from one database query.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen           = 60
	currentlyExecutedSize  = 50
	defaultCleanupInterval = 5 * time.Millisecond
	defaultFetchTimeout    = 3 * time.Second
)

// TODO: cache errors so lookups of unknown keys are coalesced as well

type Manager[K comparable, T any] struct {
	mu                sync.RWMutex
	handler           Handler[K, T]
	taskQueue         chan task[K, T]
	currentlyExecuted map[K][]chan<- result[T]
}

// NewCustomManager creates a new Manager with a custom cache implementation controlled by client code
// it should be used for non-trivial flows or non-default cache implementations
func NewCustomManager[K comparable, T any](h Handler[K, T]) *Manager[K, T] {
	if h.FetchTimeout == 0 {
		h.FetchTimeout = defaultFetchTimeout
	}
	cm := &Manager[K, T]{
		handler:           h,
		taskQueue:         make(chan task[K, T], taskQueueLen),
		currentlyExecuted: make(map[K][]chan<- result[T], currentlyExecutedSize),
	}
	go cm.start()
	return cm
}

// NewManager creates a new Manager with a default cache implementation
// it is preferred way of creating a new Manager
func NewManager[K ~string, T any](fetch func(ctx context.Context, k K) (T, error), cacheTime time.Duration) *Manager[K, T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[K, T](Handler[K, T]{
		Fetch: fetch,
		Set: func(k K, v T) {
			g.Set(string(k), v, cacheTime)
		},
		Get: func(k K) (T, bool) {
			v, ok := g.Get(string(k))
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	})
}

type Handler[K comparable, T any] struct {
	Fetch func(ctx context.Context, k K) (T, error)
	Set   func(k K, v T)
	Get   func(k K) (T, bool)
	// FetchTimeout bounds a single Fetch call, the fetch outlives the request that started it.
	FetchTimeout time.Duration
}

type task[K comparable, T any] struct {
	key K
	res chan<- result[T]
}

type result[T any] struct {
	v T
	e error
}

func (m *Manager[K, T]) start() {
	for t := range m.taskQueue {
		m.mu.Lock()
		v, ok := m.handler.Get(t.key)
		if ok {
			t.res <- result[T]{v: v}
			close(t.res)
			m.mu.Unlock()
			continue
		}

		if m.join(t) {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		go m.execute(t)
	}
}

// join adds t to the waiters of an in-flight fetch of the same key. m.mu must be held.
func (m *Manager[K, T]) join(t task[K, T]) bool {
	chans, ok := m.currentlyExecuted[t.key]
	if !ok {
		return false
	}
	m.currentlyExecuted[t.key] = append(chans, t.res)
	return true
}

func (m *Manager[K, T]) execute(t task[K, T]) {
	m.mu.Lock()
	if v, ok := m.handler.Get(t.key); ok {
		t.res <- result[T]{v: v}
		close(t.res)
		m.mu.Unlock()
		return
	}
	if m.join(t) {
		m.mu.Unlock()
		return
	}
	m.currentlyExecuted[t.key] = []chan<- result[T]{t.res}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.handler.FetchTimeout)
	res, err := m.handler.Fetch(ctx, t.key)
	cancel()
	if err == nil {
		m.handler.Set(t.key, res)
	}

	m.mu.Lock()
	for _, ch := range m.currentlyExecuted[t.key] {
		ch <- result[T]{v: res, e: err}
		close(ch)
	}
	delete(m.currentlyExecuted, t.key)
	m.mu.Unlock()
}

func (m *Manager[K, T]) GetResult(ctx context.Context, k K) (T, error) { //nolint:ireturn
	r, ok := m.handler.Get(k)
	if ok {
		return r, nil
	}

	resChan := make(chan result[T], 1)

	t := task[K, T]{
		key: k,
		res: resChan,
	}
	select {
	case m.taskQueue <- t:
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	}
	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}
