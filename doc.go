// Package poolz provides a type-safe parallel map worker pool for Go.
//
// # Overview
//
// poolz distributes evaluations of a user function across a fleet of
// workers and hands the results back either as a fully materialized list
// (ordered or unordered) or as a lazy stream. Beyond basic dispatch it
// supports per-worker initialization and finalization hooks, per-worker
// persistent state, shared read-only objects, bounded in-flight work,
// worker recycling by lifespan, pool reuse across calls, CPU affinity
// pinning, progress observation, and fine-grained performance insights.
//
// # Core Concepts
//
// The library is built around a small set of types:
//
//   - Pool[I, O]: a reusable fleet of workers mapping inputs of type I to
//     outputs of type O
//   - TaskFunc[I, O]: the user function, func(context.Context, *WorkerContext, I) (O, error)
//   - WorkerContext: the per-worker view (worker id, shared objects,
//     private state) handed to tasks and lifecycle hooks
//
// Inputs are split into chunks, chunks are fed to workers under a bounded
// in-flight limit, and results are re-sequenced to input order for the
// ordered variants. A chunk is atomic: its outputs surface together or not
// at all. Execution follows a fail-fast pattern where the first worker
// error aborts the job and is returned to the caller.
//
// # Map Variants
//
// Every pool exposes four map variants:
//
//   - Map: ordered, eager
//   - MapUnordered: unordered, eager
//   - IMap: ordered, streaming (iter.Seq2[O, error])
//   - IMapUnordered: unordered, streaming
//
// plus IMapSeq for inputs of unknown length and MapChunks for chunk-level
// (tabular) processing with optional output concatenation.
//
// Example:
//
//	pool := poolz.New[int, int]("squares", 4)
//	defer pool.Close()
//
//	squares, err := pool.Map(ctx, func(_ context.Context, _ *poolz.WorkerContext, n int) (int, error) {
//	    return n * n, nil
//	}, []int{1, 2, 3, 4, 5})
//
// # Worker Lifecycle
//
// Each worker moves through starting, initializing, idle, running,
// exiting. The WorkerLifespan option recycles a worker after it completes the
// given number of tasks; the replacement keeps the same worker index and
// re-runs the init hook with fresh state. WithKeepAlive keeps the fleet
// warm between map calls that share the same job signature (function,
// lifespan, init and exit hooks), so init runs at most once per worker
// across repeated calls.
//
// # Observability
//
// Like the rest of the zoobzio ecosystem, poolz exposes metrics through
// metricz, spans through tracez, lifecycle and progress events through
// hookz, and structured signals through capitan. See the constants in
// signals.go and the Metrics/Tracer accessors on Pool.
package poolz
