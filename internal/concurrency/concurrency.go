// Package concurrency holds the goroutine helpers of resolution passes and live
// sessions.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns the pool running the node groups of one resolution level. The
// first failing task cancels the context of the others and is the error Wait
// returns. A non-positive breadth runs every task at once.
func NewPool(ctx context.Context, breadth int) *pool.ContextPool {
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	if breadth > 0 {
		p = p.WithMaxGoroutines(breadth)
	}
	return p
}

// TrySend sends msg on ch unless ctx is done first, and reports whether it was sent.
func TrySend[T any](ctx context.Context, msg T, ch chan<- T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case ch <- msg:
		return true
	}
}
