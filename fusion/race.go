package fusion

import (
	"context"
	"log"
	"time"
)

// searchFunc is one way of answering a diff query.
type searchFunc func(ctx context.Context) ([]Chunk, error)

type raceOutcome struct {
	chunks []Chunk
	err    error
	method string
}

// raceFastSlow runs fast immediately and, if it has not finished within
// fastTimeout, starts slow as well without cancelling fast. Whichever
// finishes first wins. The loser keeps running and is drained for its cache
// side effects; its result is discarded.
func raceFastSlow(ctx context.Context, fast, slow searchFunc, fastTimeout time.Duration) ([]Chunk, error) {
	fastCh := make(chan raceOutcome, 1)
	go func() {
		chunks, err := fast(ctx)
		fastCh <- raceOutcome{chunks: chunks, err: err, method: "fast"}
	}()

	timer := time.NewTimer(fastTimeout)
	defer timer.Stop()

	select {
	case out := <-fastCh:
		return out.chunks, out.err
	case <-ctx.Done():
		drain(fastCh)
		return nil, ctx.Err()
	case <-timer.C:
	}

	// Fast is late; start slow alongside it.
	slowCh := make(chan raceOutcome, 1)
	go func() {
		chunks, err := slow(ctx)
		slowCh <- raceOutcome{chunks: chunks, err: err, method: "exact"}
	}()

	select {
	case out := <-fastCh:
		drain(slowCh)
		return out.chunks, out.err
	case out := <-slowCh:
		drain(fastCh)
		return out.chunks, out.err
	case <-ctx.Done():
		drain(fastCh)
		drain(slowCh)
		return nil, ctx.Err()
	}
}

// drain consumes the loser's eventual result so its goroutine can finish any
// cache writes and exit. The result itself is thrown away.
func drain(ch <-chan raceOutcome) {
	go func() {
		out := <-ch
		if out.err != nil && out.err != context.Canceled {
			log.Printf("Discarded %s diff search result: %v", out.method, out.err)
		}
	}()
}
