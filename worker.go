package poolz

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// Hook event keys for worker lifecycle observation.
const (
	EventWorkerStart   hookz.Key = "pool.worker.start"
	EventWorkerExit    hookz.Key = "pool.worker.exit"
	EventWorkerRestart hookz.Key = "pool.worker.restart"
)

// WorkerEvent is emitted through hooks on worker lifecycle transitions.
type WorkerEvent struct {
	Name           Name
	ExitValue      any
	Err            error
	WorkerIndex    int
	Restarts       int
	TasksCompleted uint64
	Timestamp      time.Time
}

// workerJob is the per-job recipe a worker executes: the task function
// (element-wise or chunk-wise, exactly one set), the lifecycle hooks, and
// the lifespan after which the worker requests recycling (0 = unlimited).
type workerJob[I, O any] struct {
	fn       TaskFunc[I, O]
	chunkFn  ChunkFunc[I, O]
	init     InitFunc
	exit     ExitFunc
	lifespan int
}

// worker is one member of the fleet. The goroutine owns its
// WorkerContext, its insights slot, and its local longest-task table;
// the controller only touches the done channel and the atomic flags.
type worker[I, O any] struct {
	pool     *Pool[I, O]
	fl       *fleet[I, O]
	cm       *comms[I, O]
	rec      *insightsRecorder
	wctx     *WorkerContext
	done     chan struct{}
	topLocal []TaskTiming
	index    int
	restarts int
	arrival  int
	exiting  atomic.Bool
	reported atomic.Bool
}

// currentJob reads the fleet's job recipe. Under keep-alive a reused
// fleet serves the closures of the current call, so the recipe is read
// at use time rather than frozen in at spawn.
func (w *worker[I, O]) currentJob() workerJob[I, O] {
	return *w.fl.job.Load()
}

// spawn launches a worker goroutine for the given index. spawnedAt is
// taken by the controller before launch so the start-up phase covers
// scheduling delay as well.
func spawn[I, O any](ctx context.Context, p *Pool[I, O], fl *fleet[I, O], index, restarts int) *worker[I, O] {
	w := &worker[I, O]{
		pool:     p,
		fl:       fl,
		cm:       fl.cm,
		rec:      fl.rec,
		index:    index,
		restarts: restarts,
		done:     make(chan struct{}),
	}
	spawnedAt := p.getClock().Now()
	go w.run(ctx, spawnedAt)
	return w
}

// run drives the worker state machine: starting -> initializing -> idle
// <-> running -> exiting -> dead. Poison pills and context cancellation
// both route through the exiting state so the exit hook runs exactly as
// many times as the init hook did.
func (w *worker[I, O]) run(ctx context.Context, spawnedAt time.Time) {
	defer close(w.done)
	clock := w.pool.getClock()

	// starting -> ready: apply affinity, record start-up time. A pin
	// failure exits before init ran, so the exit hook is skipped.
	if err := w.applyPin(); err != nil {
		w.cm.results <- resultMsg[I, O]{workerID: w.index, chunkID: -1, err: err}
		w.exit(ctx, clock, false)
		return
	}
	if w.rec.enabled {
		w.rec.startUp[w.index] += clock.Now().Sub(spawnedAt)
	}

	w.pool.metrics.Counter(PoolWorkersStartedTotal).Inc()
	capitan.Info(ctx, SignalWorkerStarted,
		FieldName.Field(string(w.pool.name)),
		FieldWorkerIndex.Field(w.index),
		FieldRestarts.Field(w.restarts),
	)
	_ = w.pool.workerHooks.Emit(ctx, EventWorkerStart, WorkerEvent{ //nolint:errcheck
		Name:        w.pool.name,
		WorkerIndex: w.index,
		Restarts:    w.restarts,
		Timestamp:   clock.Now(),
	})

	id := -1
	if w.pool.passWorkerID {
		id = w.index
	}
	w.wctx = &WorkerContext{id: id, shared: w.pool.shared}
	if w.pool.useWorkerState {
		w.wctx.state = make(map[string]any)
	}

	// initializing.
	var tasksDone int
	if w.currentJob().init != nil {
		initBegin := clock.Now()
		if err := w.runInit(ctx); err != nil {
			if w.rec.enabled {
				w.rec.initDur[w.index] += clock.Now().Sub(initBegin)
			}
			w.cm.results <- resultMsg[I, O]{workerID: w.index, chunkID: -1, err: err}
			w.exit(ctx, clock, true)
			return
		}
		if w.rec.enabled {
			w.rec.initDur[w.index] += clock.Now().Sub(initBegin)
		}
	}
	capitan.Info(ctx, SignalWorkerReady,
		FieldName.Field(string(w.pool.name)),
		FieldWorkerIndex.Field(w.index),
	)

	// idle <-> running.
	for {
		waitBegin := clock.Now()
		select {
		case <-ctx.Done():
			w.exit(ctx, clock, true)
			return
		case msg := <-w.cm.tasks:
			if w.rec.enabled {
				w.rec.waiting[w.index] += clock.Now().Sub(waitBegin)
			}
			if msg.poison {
				w.exit(ctx, clock, true)
				return
			}
			if w.cm.aborting.Load() {
				// The job already failed; discard and wait for teardown.
				continue
			}

			jobCtx := msg.ctx
			if jobCtx == nil {
				jobCtx = ctx
			}
			workBegin := clock.Now()
			outputs, n, err := w.runChunk(jobCtx, msg.chunk)
			if w.rec.enabled {
				w.rec.working[w.index] += clock.Now().Sub(workBegin)
			}
			if err != nil {
				w.cm.results <- resultMsg[I, O]{workerID: w.index, chunkID: msg.chunk.id, err: err}
				w.exit(ctx, clock, true)
				return
			}
			w.cm.results <- resultMsg[I, O]{workerID: w.index, chunkID: msg.chunk.id, outputs: outputs, n: n}
			tasksDone += n
			if w.rec.enabled {
				w.rec.nCompleted[w.index] += uint64(n)
			}
			if w.currentJob().lifespan > 0 && tasksDone >= w.currentJob().lifespan {
				w.cm.restarts <- w.index
				w.exit(ctx, clock, true)
				return
			}
		}
	}
}

// runChunk executes the task function over every element of the chunk in
// listed order. The chunk is atomic: the first element failure discards
// the chunk's partial outputs and surfaces the error.
func (w *worker[I, O]) runChunk(ctx context.Context, c chunk[I]) ([]O, int, *Error[I]) {
	clock := w.pool.getClock()
	taskCtx := context.WithValue(ctx, inWorkerKey{}, w.pool.daemon)
	taskCtx, span := w.pool.tracer.StartSpan(taskCtx, PoolChunkSpan)
	span.SetTag(PoolTagChunkID, fmt.Sprintf("%d", c.id))
	span.SetTag(PoolTagWorker, fmt.Sprintf("%d", w.index))
	span.SetTag(PoolTagChunkLen, fmt.Sprintf("%d", len(c.items)))
	defer span.Finish()

	if w.currentJob().chunkFn != nil {
		start := clock.Now()
		outputs, err := w.callChunk(taskCtx, c.items)
		w.observeTask(taskRepr(c.items), clock.Now().Sub(start))
		if err != nil {
			span.SetTag(PoolTagError, err.Error())
			return nil, 0, err
		}
		return outputs, len(c.items), nil
	}

	outputs := make([]O, 0, len(c.items))
	for _, item := range c.items {
		if ctx.Err() != nil {
			return nil, 0, &Error[I]{
				Err:       ctx.Err(),
				InputData: item,
				Path:      []Name{w.pool.name},
				Kind:      KindCancelled,
				WorkerID:  w.index,
				Canceled:  true,
				Timestamp: time.Now(),
			}
		}
		start := clock.Now()
		out, err := w.callTask(taskCtx, item)
		dur := clock.Now().Sub(start)
		w.observeTask(taskRepr(item), dur)
		if err != nil {
			span.SetTag(PoolTagError, err.Error())
			return nil, 0, err
		}
		outputs = append(outputs, out)
	}
	return outputs, len(c.items), nil
}

// callTask invokes the user function with panic recovery. A panicking
// task surfaces as a UserFunctionError carrying the sanitized panic
// message and the stack captured at the failure site.
func (w *worker[I, O]) callTask(ctx context.Context, item I) (result O, err *Error[I]) {
	defer recoverFromPanic(&result, &err, w.pool.name, w.index, item)
	raw, rawErr := w.currentJob().fn(ctx, w.wctx, item)
	if rawErr != nil {
		return result, w.wrapTaskErr(rawErr, item)
	}
	return raw, nil
}

func (w *worker[I, O]) callChunk(ctx context.Context, items []I) (result []O, err *Error[I]) {
	defer recoverFromPanic(&result, &err, w.pool.name, w.index, firstOf(items))
	raw, rawErr := w.currentJob().chunkFn(ctx, w.wctx, items)
	if rawErr != nil {
		return nil, w.taskError(rawErr, firstOf(items), string(debug.Stack()))
	}
	return raw, nil
}

func (w *worker[I, O]) wrapTaskErr(err error, item I) *Error[I] {
	if pe, ok := err.(*Error[I]); ok {
		if pe.WorkerID < 0 {
			pe.WorkerID = w.index
		}
		return pe
	}
	return w.taskError(err, item, string(debug.Stack()))
}

func (w *worker[I, O]) taskError(err error, item I, stack string) *Error[I] {
	return &Error[I]{
		Err:       err,
		InputData: item,
		Path:      []Name{w.pool.name},
		Kind:      KindUserFunction,
		WorkerID:  w.index,
		Stack:     stack,
		Timestamp: time.Now(),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// observeTask compares a task's wall time against the worker's local
// longest-task table. The table is bounded, so the hot path never
// contends with other workers; it is merged into the shared insights
// slots once, at exit.
func (w *worker[I, O]) observeTask(args string, dur time.Duration) {
	if !w.rec.enabled {
		return
	}
	w.arrival++
	entry := TaskTiming{Args: args, Duration: dur, WorkerIndex: w.index, arrival: w.arrival}
	if len(w.topLocal) < topTasks {
		w.topLocal = append(w.topLocal, entry)
		sortTopLocal(w.topLocal)
		return
	}
	if dur <= w.topLocal[len(w.topLocal)-1].Duration {
		return
	}
	w.topLocal[len(w.topLocal)-1] = entry
	sortTopLocal(w.topLocal)
}

func sortTopLocal(tt []TaskTiming) {
	for i := len(tt) - 1; i > 0; i-- {
		if tt[i].Duration > tt[i-1].Duration {
			tt[i], tt[i-1] = tt[i-1], tt[i]
		}
	}
}

// runInit invokes the init hook with panic recovery.
func (w *worker[I, O]) runInit(ctx context.Context) *Error[I] {
	var rawErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				rawErr = &panicError{origin: w.pool.name, sanitized: sanitizePanicMessage(r)}
			}
		}()
		rawErr = w.currentJob().init(ctx, w.wctx)
	}()
	if rawErr == nil {
		return nil
	}
	var zero I
	return &Error[I]{
		Err:       rawErr,
		InputData: zero,
		Path:      []Name{w.pool.name},
		Kind:      KindInit,
		WorkerID:  w.index,
		Stack:     string(debug.Stack()),
		Timestamp: time.Now(),
	}
}

// exit runs the exiting state: the exit hook (if any), the exit record,
// the insights merge, and the lifecycle signal. During an abort the hook
// still runs best-effort on a detached context; the controller bounds how
// long it waits, not the worker. runHook is false only for exits taken
// before init could run (pin failure), where the hook must not fire.
func (w *worker[I, O]) exit(ctx context.Context, clock clockz.Clock, runHook bool) {
	w.exiting.Store(true)
	exitBegin := clock.Now()

	var value any
	var hasValue bool
	var exitErr *Error[I]
	if runHook && w.currentJob().exit != nil {
		hookCtx := ctx
		if ctx.Err() != nil {
			hookCtx = context.WithoutCancel(ctx)
		}
		var rawErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					rawErr = &panicError{origin: w.pool.name, sanitized: sanitizePanicMessage(r)}
				}
			}()
			value, rawErr = w.currentJob().exit(hookCtx, w.wctx)
		}()
		if rawErr != nil {
			var zero I
			exitErr = &Error[I]{
				Err:       rawErr,
				InputData: zero,
				Path:      []Name{w.pool.name},
				Kind:      KindExit,
				WorkerID:  w.index,
				Stack:     string(debug.Stack()),
				Timestamp: time.Now(),
			}
		} else {
			hasValue = true
		}
	}
	if w.rec.enabled {
		w.rec.exitDur[w.index] += clock.Now().Sub(exitBegin)
	}
	w.rec.mergeTop(w.index, w.topLocal)

	// The state mapping dies with the lifetime.
	if w.wctx != nil {
		w.wctx.state = nil
	}

	w.sendExitRecord(value, hasValue, exitErr)

	capitan.Info(ctx, SignalWorkerExited,
		FieldName.Field(string(w.pool.name)),
		FieldWorkerIndex.Field(w.index),
		FieldTasksCompleted.Field(int(w.rec.nCompleted[w.index])),
	)
	_ = w.pool.workerHooks.Emit(context.WithoutCancel(ctx), EventWorkerExit, WorkerEvent{ //nolint:errcheck
		Name:           w.pool.name,
		WorkerIndex:    w.index,
		Restarts:       w.restarts,
		TasksCompleted: w.rec.nCompleted[w.index],
		ExitValue:      value,
		Err:            errOrNil(exitErr),
		Timestamp:      clock.Now(),
	})
}

func (w *worker[I, O]) sendExitRecord(value any, hasValue bool, exitErr *Error[I]) {
	w.reported.Store(true)
	w.cm.exits <- exitMsg[I]{workerID: w.index, value: value, hasValue: hasValue, err: exitErr}
}

// applyPin resolves the cpu set for this worker index and calls the pin
// hook. Affinity system calls live behind the hook; the pool only does
// the bookkeeping.
func (w *worker[I, O]) applyPin() *Error[I] {
	if w.pool.pin == nil || len(w.pool.cpuIDs) == 0 {
		return nil
	}
	cpus := w.pool.cpuIDs[0]
	if len(w.pool.cpuIDs) > 1 {
		cpus = w.pool.cpuIDs[w.index]
	}
	if err := w.pool.pin(w.index, cpus); err != nil {
		var zero I
		return &Error[I]{
			Err:       err,
			InputData: zero,
			Path:      []Name{w.pool.name},
			Kind:      KindInit,
			WorkerID:  w.index,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// taskRepr renders the argument of a task for the longest-task table and
// for error reports, bounded so huge inputs stay readable.
func taskRepr(v any) string {
	s := fmt.Sprintf("%v", v)
	const maxLen = 128
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}

func firstOf[I any](items []I) I {
	if len(items) > 0 {
		return items[0]
	}
	var zero I
	return zero
}

func errOrNil[I any](e *Error[I]) error {
	if e == nil {
		return nil
	}
	return e
}
