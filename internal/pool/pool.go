// Package pool bounds the fan-out of a stage's tasks.
//
// Every verification stage runs one task per row under an admission limit
// (subprocess count and socket count stay predictable). Tasks finish in
// whatever order the network allows; callers collect results themselves and
// must not assume input ordering.
package pool

import (
	"context"
	"sync"
)

// Each runs fn(i) for i in [0,n) with at most limit tasks in flight.
// It returns once every started task has finished. When ctx is cancelled,
// tasks not yet admitted are skipped; running tasks see the cancellation
// through the ctx passed to fn.
func Each(ctx context.Context, limit, n int, fn func(ctx context.Context, i int)) {
	if n <= 0 {
		return
	}
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}
