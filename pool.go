package poolz

import (
	"context"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the pool.
const (
	// Metrics.
	PoolTasksCompletedTotal   = metricz.Key("pool.tasks.completed.total")
	PoolChunksDispatchedTotal = metricz.Key("pool.chunks.dispatched.total")
	PoolWorkersStartedTotal   = metricz.Key("pool.workers.started.total")
	PoolWorkersRecycledTotal  = metricz.Key("pool.workers.recycled.total")
	PoolErrorsTotal           = metricz.Key("pool.errors.total")
	PoolInFlight              = metricz.Key("pool.tasks.inflight")
	PoolActiveWorkers         = metricz.Key("pool.workers.active")

	// Spans.
	PoolMapSpan   = tracez.Key("pool.map")
	PoolChunkSpan = tracez.Key("pool.chunk")

	// Tags.
	PoolTagJobID    = tracez.Tag("pool.job_id")
	PoolTagChunkID  = tracez.Tag("pool.chunk_id")
	PoolTagChunkLen = tracez.Tag("pool.chunk_len")
	PoolTagWorker   = tracez.Tag("pool.worker")
	PoolTagOrdered  = tracez.Tag("pool.ordered")
	PoolTagError    = tracez.Tag("pool.error")
)

// defaultJoinTimeout bounds the graceful join of workers at shutdown and
// abort. Past the deadline workers are abandoned.
const defaultJoinTimeout = 3 * time.Second

// ExitResult is one worker exit hook return value, surfaced through
// Pool.ExitResults after the job that produced it completes.
type ExitResult struct {
	Value       any
	WorkerIndex int
}

// Pool distributes evaluations of a task function across a fleet of
// workers. A pool is reusable: consecutive map calls share the
// construction-time configuration, and with WithKeepAlive they share the
// warm workers themselves.
//
// All map variants serialize against each other; a pool runs one job at
// a time. Construction options are fluent setters and must be applied
// before the first map call.
//
// Example:
//
//	pool := poolz.New[Record, Record]("normalize", 8).
//	    WithSharedObjects(lookupTable).
//	    WithWorkerState().
//	    WithKeepAlive()
//	defer pool.Close()
//
//	out, err := pool.Map(ctx, normalize, records,
//	    poolz.ChunkSize(64),
//	    poolz.WorkerInit(openConn),
//	    poolz.WorkerExit(closeConn),
//	)
//
// # Observability
//
// Pool provides comprehensive observability through metrics, tracing,
// events, and signals:
//
// Metrics:
//   - pool.tasks.completed.total: Counter of completed tasks
//   - pool.chunks.dispatched.total: Counter of dispatched chunks
//   - pool.workers.started.total: Counter of worker lifetimes started
//   - pool.workers.recycled.total: Counter of lifespan recycles
//   - pool.errors.total: Counter of aborted jobs
//   - pool.tasks.inflight: Gauge of chunks currently in flight
//   - pool.workers.active: Gauge of live workers
//
// Traces:
//   - pool.map: Span per map call
//   - pool.chunk: Span per chunk execution
//
// Events (via hooks):
//   - pool.worker.start / pool.worker.exit / pool.worker.restart
//   - pool.progress: Fired on task completion and once at the terminal state
type Pool[I, O any] struct {
	name    Name
	workers int

	daemon         bool
	passWorkerID   bool
	useWorkerState bool
	keepAlive      bool
	shared         []any
	cpuIDs         [][]int
	pin            PinFunc
	joinTimeout    time.Duration
	clock          clockz.Clock

	metrics       *metricz.Registry
	tracer        *tracez.Tracer
	workerHooks   *hookz.Hooks[WorkerEvent]
	progressHooks *hookz.Hooks[ProgressEvent]

	mu           sync.RWMutex
	jobMu        sync.Mutex
	jobSeq       atomic.Uint64
	fleet        *fleet[I, O]
	exitResults  []ExitResult
	lastInsights *insightsRecorder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Pool with the given worker count. A non-positive count
// defaults to the number of CPUs.
func New[I, O any](name Name, workers int) *Pool[I, O] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Initialize observability
	metrics := metricz.New()
	metrics.Counter(PoolTasksCompletedTotal)
	metrics.Counter(PoolChunksDispatchedTotal)
	metrics.Counter(PoolWorkersStartedTotal)
	metrics.Counter(PoolWorkersRecycledTotal)
	metrics.Counter(PoolErrorsTotal)
	metrics.Gauge(PoolInFlight)
	metrics.Gauge(PoolActiveWorkers)

	return &Pool[I, O]{
		name:          name,
		workers:       workers,
		joinTimeout:   defaultJoinTimeout,
		metrics:       metrics,
		tracer:        tracez.New(),
		workerHooks:   hookz.New[WorkerEvent](),
		progressHooks: hookz.New[ProgressEvent](),
	}
}

// Name returns the name of this pool.
func (p *Pool[I, O]) Name() Name {
	return p.name
}

// Workers returns the fleet size.
func (p *Pool[I, O]) Workers() int {
	return p.workers
}

// WithDaemon forbids nested pools: map calls made from inside one of
// this pool's workers fail fast with ErrNestedPool before any worker of
// the nested pool starts.
func (p *Pool[I, O]) WithDaemon() *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.daemon = true
	return p
}

// WithWorkerID exposes the worker index through WorkerContext.ID.
func (p *Pool[I, O]) WithWorkerID() *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passWorkerID = true
	return p
}

// WithSharedObjects publishes a read-only tuple visible to every worker
// for the duration of each job. The pool never copies or mutates it.
func (p *Pool[I, O]) WithSharedObjects(objects ...any) *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = objects
	return p
}

// WithWorkerState gives each worker a private mutable state mapping,
// created fresh at each worker start and destroyed after the exit hook.
func (p *Pool[I, O]) WithWorkerState() *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.useWorkerState = true
	return p
}

// WithKeepAlive keeps workers alive between map calls that share the
// same job signature (task function, lifespan, init and exit hooks).
func (p *Pool[I, O]) WithKeepAlive() *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keepAlive = true
	return p
}

// WithCPUIDs assigns a CPU set per worker for affinity pinning. Provide
// one set to share across the fleet or exactly one per worker. The sets
// are handed to the pin hook; poolz itself performs no affinity calls.
func (p *Pool[I, O]) WithCPUIDs(ids [][]int) *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cpuIDs = ids
	return p
}

// WithPinFunc installs the affinity hook called at each worker start
// (and again for recycled replacements, which keep their index).
func (p *Pool[I, O]) WithPinFunc(pin PinFunc) *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pin = pin
	return p
}

// WithJoinTimeout adjusts the graceful-join deadline applied at
// shutdown and abort.
func (p *Pool[I, O]) WithJoinTimeout(d time.Duration) *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joinTimeout = d
	return p
}

// WithClock sets a custom clock for testing.
func (p *Pool[I, O]) WithClock(clock clockz.Clock) *Pool[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// getClock returns the clock to use.
func (p *Pool[I, O]) getClock() clockz.Clock {
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}

// Metrics returns the metrics registry for this pool.
func (p *Pool[I, O]) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pool.
func (p *Pool[I, O]) Tracer() *tracez.Tracer {
	return p.tracer
}

// OnWorkerStart registers a handler fired when a worker lifetime begins.
func (p *Pool[I, O]) OnWorkerStart(handler func(context.Context, WorkerEvent) error) error {
	_, err := p.workerHooks.Hook(EventWorkerStart, handler)
	return err
}

// OnWorkerExit registers a handler fired when a worker lifetime ends.
func (p *Pool[I, O]) OnWorkerExit(handler func(context.Context, WorkerEvent) error) error {
	_, err := p.workerHooks.Hook(EventWorkerExit, handler)
	return err
}

// OnWorkerRestart registers a handler fired when a lifespan recycle
// replaces a worker.
func (p *Pool[I, O]) OnWorkerRestart(handler func(context.Context, WorkerEvent) error) error {
	_, err := p.workerHooks.Hook(EventWorkerRestart, handler)
	return err
}

// OnProgress registers a handler for progress events. The final event of
// a job has Done set, and Aborted when the job failed.
func (p *Pool[I, O]) OnProgress(handler func(context.Context, ProgressEvent) error) error {
	_, err := p.progressHooks.Hook(EventProgress, handler)
	return err
}

// ExitResults returns the exit hook return values collected so far, in
// arrival order. The slice grows across jobs until the pool is closed.
func (p *Pool[I, O]) ExitResults() []ExitResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ExitResult(nil), p.exitResults...)
}

// Insights aggregates the worker telemetry of the most recent job. The
// zero Insights is returned when no job has run yet or when the most
// recent job ran without EnableInsights.
func (p *Pool[I, O]) Insights() Insights {
	p.mu.RLock()
	rec := p.lastInsights
	p.mu.RUnlock()
	if rec == nil || !rec.enabled {
		return Insights{}
	}
	return rec.aggregate()
}

// Close tears down any warm fleet and shuts down observability
// components. Close is idempotent - multiple calls return the same result.
func (p *Pool[I, O]) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.jobMu.Lock()
		if p.fleet != nil {
			p.teardownFleet(p.fleet)
			p.fleet = nil
		}
		p.jobMu.Unlock()
		if p.tracer != nil {
			p.tracer.Close()
		}
		p.workerHooks.Close()
		p.progressHooks.Close()
	})
	return p.closeErr
}

// optInt is an integer option that remembers whether it was provided,
// so explicit invalid values are rejected instead of treated as unset.
type optInt struct {
	value int
	set   bool
}

// mapConfig collects the per-call options of one map invocation.
type mapConfig struct {
	chunkSize        optInt
	nSplits          optInt
	maxTasksActive   optInt
	lifespan         optInt
	iterableLen      optInt
	init             InitFunc
	exit             ExitFunc
	progress         bool
	progressPosition int
	insights         bool
}

// MapOption configures a single map call.
type MapOption func(*mapConfig)

// ChunkSize fixes the number of elements per chunk; the last chunk may
// be shorter. Overrides NSplits.
func ChunkSize(n int) MapOption {
	return func(c *mapConfig) { c.chunkSize = optInt{value: n, set: true} }
}

// NSplits sets the number of chunks to divide the input into when
// ChunkSize is absent. Defaults to four per worker.
func NSplits(n int) MapOption {
	return func(c *mapConfig) { c.nSplits = optInt{value: n, set: true} }
}

// MaxTasksActive caps the number of chunks in flight. Defaults to twice
// the worker count.
func MaxTasksActive(n int) MapOption {
	return func(c *mapConfig) { c.maxTasksActive = optInt{value: n, set: true} }
}

// WorkerLifespan recycles each worker after it completes n tasks. The
// replacement keeps the worker index and re-runs the init hook with
// fresh state.
func WorkerLifespan(n int) MapOption {
	return func(c *mapConfig) { c.lifespan = optInt{value: n, set: true} }
}

// IterableLen hints the input length for sequence inputs, letting the
// chunker size chunks as if the length were known.
func IterableLen(n int) MapOption {
	return func(c *mapConfig) { c.iterableLen = optInt{value: n, set: true} }
}

// WorkerInit installs the per-worker-lifetime init hook for this call.
func WorkerInit(fn InitFunc) MapOption {
	return func(c *mapConfig) { c.init = fn }
}

// WorkerExit installs the per-worker-lifetime exit hook for this call.
func WorkerExit(fn ExitFunc) MapOption {
	return func(c *mapConfig) { c.exit = fn }
}

// WithProgress enables progress events for this call.
func WithProgress() MapOption {
	return func(c *mapConfig) { c.progress = true }
}

// ProgressPosition sets the rendering position forwarded with progress
// events, for observers that stack multiple bars.
func ProgressPosition(n int) MapOption {
	return func(c *mapConfig) { c.progress = true; c.progressPosition = n }
}

// EnableInsights records worker timing telemetry for this call,
// retrievable through Pool.Insights afterwards.
func EnableInsights() MapOption {
	return func(c *mapConfig) { c.insights = true }
}

// buildConfig folds options and validates every integer before any
// worker starts.
func (p *Pool[I, O]) buildConfig(opts []MapOption) (*mapConfig, *Error[I]) {
	cfg := &mapConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	for _, check := range []struct {
		name string
		v    optInt
	}{
		{"chunk_size", cfg.chunkSize},
		{"n_splits", cfg.nSplits},
		{"max_tasks_active", cfg.maxTasksActive},
		{"worker_lifespan", cfg.lifespan},
	} {
		if check.v.set && check.v.value < 1 {
			return nil, invalidArgumentf[I](p.name, "%s must be a positive integer, got %d", check.name, check.v.value)
		}
	}
	if cfg.iterableLen.set && cfg.iterableLen.value < 0 {
		return nil, invalidArgumentf[I](p.name, "iterable_len must be non-negative, got %d", cfg.iterableLen.value)
	}
	if cfg.progressPosition < 0 {
		return nil, invalidArgumentf[I](p.name, "progress position must be non-negative, got %d", cfg.progressPosition)
	}
	if len(p.cpuIDs) != 0 && len(p.cpuIDs) != 1 && len(p.cpuIDs) != p.workers {
		return nil, invalidArgumentf[I](p.name, "cpu ids must have length 1 or %d, got %d", p.workers, len(p.cpuIDs))
	}
	for _, set := range p.cpuIDs {
		for _, id := range set {
			if id < 0 || id >= runtime.NumCPU() {
				return nil, invalidArgumentf[I](p.name, "cpu id %d out of range [0, %d)", id, runtime.NumCPU())
			}
		}
	}
	return cfg, nil
}

// inWorkerKey marks contexts handed to task functions so nested map
// calls can be policed.
type inWorkerKey struct{}

// checkNested enforces the daemon rule: a daemon pool's workers may not
// run nested pools.
func checkNested[I any](ctx context.Context, name Name) *Error[I] {
	if v, ok := ctx.Value(inWorkerKey{}).(bool); ok && v {
		return &Error[I]{Err: ErrNestedPool, Path: []Name{name}, Kind: KindInvalidArgument, WorkerID: -1, Timestamp: time.Now()}
	}
	return nil
}

func (p *Pool[I, O]) job(cfg *mapConfig, fn TaskFunc[I, O], chunkFn ChunkFunc[I, O]) workerJob[I, O] {
	jb := workerJob[I, O]{fn: fn, chunkFn: chunkFn, init: cfg.init, exit: cfg.exit}
	if cfg.lifespan.set {
		jb.lifespan = cfg.lifespan.value
	}
	return jb
}

// Map applies fn to every element of in and returns the outputs in
// input order. The call blocks until the job completes or fails; on
// failure exactly one error is returned, the first one produced.
func (p *Pool[I, O]) Map(ctx context.Context, fn TaskFunc[I, O], in []I, opts ...MapOption) ([]O, error) {
	out := make([]O, 0, len(in))
	for o, err := range p.IMap(ctx, fn, in, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// MapUnordered applies fn to every element of in and returns the
// outputs in arrival order.
func (p *Pool[I, O]) MapUnordered(ctx context.Context, fn TaskFunc[I, O], in []I, opts ...MapOption) ([]O, error) {
	out := make([]O, 0, len(in))
	for o, err := range p.IMapUnordered(ctx, fn, in, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// IMap lazily applies fn to every element of in, yielding outputs in
// input order as they become available. A failure is yielded as the
// final element's error; breaking out of the loop aborts the job.
func (p *Pool[I, O]) IMap(ctx context.Context, fn TaskFunc[I, O], in []I, opts ...MapOption) iter.Seq2[O, error] {
	return p.imapSlice(ctx, fn, in, opts, true)
}

// IMapUnordered lazily applies fn to every element of in, yielding
// outputs in arrival order.
func (p *Pool[I, O]) IMapUnordered(ctx context.Context, fn TaskFunc[I, O], in []I, opts ...MapOption) iter.Seq2[O, error] {
	return p.imapSlice(ctx, fn, in, opts, false)
}

func (p *Pool[I, O]) imapSlice(ctx context.Context, fn TaskFunc[I, O], in []I, opts []MapOption, ordered bool) iter.Seq2[O, error] {
	return func(yield func(O, error) bool) {
		cfg, cerr := p.buildConfig(opts)
		if cerr != nil {
			var zero O
			yield(zero, cerr)
			return
		}
		if nerr := checkNested[I](ctx, p.name); nerr != nil {
			var zero O
			yield(zero, nerr)
			return
		}
		size := resolveChunkSize(len(in), cfg, p.workers)
		p.stream(ctx, p.job(cfg, fn, nil), chunkSlice(in, size), cfg, ordered, len(in), yield)
	}
}

// IMapSeq lazily applies fn to a sequence of unknown length. Without an
// IterableLen hint the chunker falls back to single-element chunks.
func (p *Pool[I, O]) IMapSeq(ctx context.Context, fn TaskFunc[I, O], in iter.Seq[I], opts ...MapOption) iter.Seq2[O, error] {
	return func(yield func(O, error) bool) {
		cfg, cerr := p.buildConfig(opts)
		if cerr != nil {
			var zero O
			yield(zero, cerr)
			return
		}
		if nerr := checkNested[I](ctx, p.name); nerr != nil {
			var zero O
			yield(zero, nerr)
			return
		}
		total := -1
		if cfg.iterableLen.set {
			total = cfg.iterableLen.value
		}
		size := resolveChunkSize(total, cfg, p.workers)
		p.stream(ctx, p.job(cfg, fn, nil), chunkSeq(in, size), cfg, true, total, yield)
	}
}

// stream runs the job and flattens per-chunk outputs into the yield
// callback, forwarding the job error (if any) as the final element.
func (p *Pool[I, O]) stream(ctx context.Context, jb workerJob[I, O], chunks iter.Seq[chunk[I]], cfg *mapConfig, ordered bool, total int, yield func(O, error) bool) {
	stopped := false
	err := p.run(ctx, jb, chunks, cfg, ordered, total, func(outputs []O) bool {
		for _, o := range outputs {
			if !yield(o, nil) {
				stopped = true
				return false
			}
		}
		return true
	})
	if err != nil && !stopped {
		var zero O
		yield(zero, err)
	}
}
