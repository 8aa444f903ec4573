package bundlequeue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers sharing one rate limiter, so a single bundle consumer can be
// driven by several queue workers. processFunc must be safe for concurrent use.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	limiter := rate.NewLimiter(limit, burst)

	workers := make([]ProcessFunc, n)
	for i := range workers {
		workers[i] = func(ctx context.Context, data []byte, info QueueItemInfo) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return processFunc(ctx, data, info)
		}
	}
	return workers
}
