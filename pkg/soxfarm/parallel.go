package soxfarm

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// StartOutcome is the per-worker result of a ParallelRunner batch.
type StartOutcome struct {
	WorkerID int
	Err      error // nil means the worker reached state ready
}

// ParallelRunner launches a batch of workers concurrently, bounded by
// fanOut, and awaits every worker's Start before returning.
// Using conc/pool's max-goroutines bound rather than hand-rolled chunking
// gives the same "never more than fanOut starting at once" guarantee while
// letting a worker that finishes early free its slot immediately instead of
// waiting for the whole chunk to drain.
func ParallelRunner(ctx context.Context, workers []*Worker, fanOut int) []StartOutcome {
	if fanOut < 1 {
		fanOut = 1
	}

	outcomes := make([]StartOutcome, len(workers))
	p := pool.New().WithMaxGoroutines(fanOut)

	for i, w := range workers {
		i, w := i, w
		p.Go(func() {
			err := w.Start(ctx)
			outcomes[i] = StartOutcome{WorkerID: w.ID(), Err: err}
		})
	}
	p.Wait()

	return outcomes
}
