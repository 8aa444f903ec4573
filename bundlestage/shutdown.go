package bundlestage

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Shutdown is the process-wide cancellation handle handed to the block producer.
// Once triggered it stays triggered.
type Shutdown struct {
	triggered *atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewShutdown() *Shutdown {
	return &Shutdown{
		triggered: atomic.NewBool(false),
		done:      make(chan struct{}),
	}
}

func (s *Shutdown) Trigger() {
	s.once.Do(func() {
		s.triggered.Store(true)
		close(s.done)
	})
}

func (s *Shutdown) Triggered() bool {
	return s.triggered.Load()
}

func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}

// WithContext returns a context that is cancelled when either ctx is done or the shutdown is triggered.
func (s *Shutdown) WithContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
