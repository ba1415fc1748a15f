package poolz

import (
	"context"
)

// Name is a type alias for pool and job names.
// Using this type encourages storing names as constants rather than
// using inline strings throughout your code.
//
// Example:
//
//	const (
//	    ResizeImagesPool Name = "resize-images"
//	    ScoreBatchPool   Name = "score-batch"
//	)
//
//	pool := poolz.New[Image, Image](ResizeImagesPool, 8)
type Name = string

// TaskFunc is the user function executed by workers, one call per input
// element. It receives a context for timeout/cancellation support and the
// WorkerContext of the worker running it. Long-running tasks should check
// ctx.Err() periodically; when a job aborts, the context handed to tasks
// is canceled.
//
// The WorkerContext carries everything the original call-site would have
// prepended to the arguments: the worker id (when WithWorkerID is set),
// the shared objects tuple, and the worker's private state mapping (when
// WithWorkerState is set).
type TaskFunc[I, O any] func(ctx context.Context, w *WorkerContext, in I) (O, error)

// ChunkFunc processes a whole chunk of inputs at once and returns the
// outputs for the chunk. Used by MapChunks for tabular workloads where
// the per-chunk shape matters (row slices in, row slices out).
type ChunkFunc[I, O any] func(ctx context.Context, w *WorkerContext, in []I) ([]O, error)

// InitFunc runs once per worker lifetime, before the worker accepts any
// task. The state mapping on the WorkerContext is freshly created for
// each lifetime; anything placed in it is visible to every subsequent
// task and to the exit hook of the same worker. An error aborts the job.
type InitFunc func(ctx context.Context, w *WorkerContext) error

// ExitFunc runs once per worker lifetime, after the worker drains its
// last task. Its return value is collected and surfaced through
// Pool.ExitResults after the job completes. An error aborts the job.
// When the hook runs as a warm keep-alive fleet is retired (by Close or
// by a job with a different signature), there is no job to abort and its
// error is discarded.
type ExitFunc func(ctx context.Context, w *WorkerContext) (any, error)

// PinFunc applies CPU affinity for a worker. poolz treats affinity as an
// opaque hook: the pool validates the cpu id configuration, computes the
// set for each worker index, and calls the hook at worker start (and
// again for every recycled replacement, which keeps the same index).
// The actual system call is up to the caller.
type PinFunc func(workerIndex int, cpus []int) error

// WorkerContext is a worker's private view of the pool, handed to every
// task and lifecycle hook that worker runs. It is owned by exactly one
// worker goroutine at a time; none of its accessors require locking.
type WorkerContext struct {
	id     int
	shared []any
	state  map[string]any
}

// ID returns the worker index in [0, workers). Indexes are stable across
// recycles: a replacement worker reports the index of the worker it
// replaced. Returns -1 unless the pool was built with WithWorkerID.
func (w *WorkerContext) ID() int {
	return w.id
}

// Shared returns the shared objects tuple published at pool construction.
// Every worker sees the same values. The tuple is read-only by contract:
// tasks must not mutate it.
func (w *WorkerContext) Shared() []any {
	return w.shared
}

// State returns the worker's private state mapping. The mapping is
// created fresh at each worker start, survives across tasks of the same
// lifetime, is passed to the exit hook, and is destroyed afterwards.
// Returns nil unless the pool was built with WithWorkerState.
func (w *WorkerContext) State() map[string]any {
	return w.state
}
