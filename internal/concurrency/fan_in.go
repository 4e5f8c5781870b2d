package concurrency

import (
	"context"

	"github.com/sourcegraph/conc"
)

// FanIn merges feeds into one channel that is closed once every feed is closed.
// After ctx is done messages are dropped, but the feeds are still read until their
// producers close them so no producer stays blocked.
func FanIn[T any](ctx context.Context, feeds []<-chan T) <-chan T {
	out := make(chan T, len(feeds))

	var wg conc.WaitGroup
	for _, feed := range feeds {
		wg.Go(func() {
			for msg := range feed {
				TrySend(ctx, msg, out)
			}
		})
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Drain discards what is left on ch in the background. The returned channel is
// closed once ch is.
func Drain[T any](ch <-chan T) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	return done
}
