package poolz

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
)

// jobSignature identifies the worker-visible shape of a job. Under
// keep-alive a warm fleet is reused only when the next job's signature
// matches; any change to the function, the hooks, or the lifespan forces
// teardown and re-initialization.
type jobSignature struct {
	fn       uintptr
	chunkFn  uintptr
	init     uintptr
	exit     uintptr
	lifespan int
}

func signatureOf[I, O any](jb workerJob[I, O]) jobSignature {
	return jobSignature{
		fn:       funcPtr(jb.fn),
		chunkFn:  funcPtr(jb.chunkFn),
		init:     funcPtr(jb.init),
		exit:     funcPtr(jb.exit),
		lifespan: jb.lifespan,
	}
}

func funcPtr(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// heartbeatInterval is how often the collector checks the fleet for
// silent worker deaths while waiting for results.
const heartbeatInterval = time.Second

// fleet is a set of live workers plus the comms fabric that feeds them.
// It outlives a single job only under keep-alive. The job recipe is held
// behind an atomic pointer: a reused fleet serves the current call's
// closures even though the signature (code identity) matched.
type fleet[I, O any] struct {
	cm      *comms[I, O]
	workers []*worker[I, O]
	rec     *insightsRecorder
	job     atomic.Pointer[workerJob[I, O]]
	sig     jobSignature
	cancel  context.CancelFunc
	ctx     context.Context
}

// deadWorker returns the index of a worker whose goroutine ended without
// sending its exit record, or -1 when the fleet is healthy.
func (fl *fleet[I, O]) deadWorker() int {
	for _, w := range fl.workers {
		if isClosed(w.done) && !w.reported.Load() {
			return w.index
		}
	}
	return -1
}

// acquireFleet reuses the warm fleet when keep-alive is set and the job
// signature matches; otherwise it tears the old fleet down and spawns a
// fresh one. Called with jobMu held.
func (p *Pool[I, O]) acquireFleet(jb workerJob[I, O], insights bool) *fleet[I, O] {
	sig := signatureOf(jb)
	if p.fleet != nil {
		if p.keepAlive && p.fleet.sig == sig && !p.fleet.cm.aborting.Load() {
			p.fleet.rec.enabled = insights
			p.fleet.job.Store(&jb)
			return p.fleet
		}
		p.teardownFleet(p.fleet)
		p.fleet = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	fl := &fleet[I, O]{
		cm:     newComms[I, O](p.workers),
		rec:    newInsightsRecorder(p.workers, insights),
		sig:    sig,
		ctx:    ctx,
		cancel: cancel,
	}
	fl.job.Store(&jb)
	fl.workers = make([]*worker[I, O], p.workers)
	for i := 0; i < p.workers; i++ {
		fl.workers[i] = spawn(ctx, p, fl, i, 0)
	}
	p.metrics.Gauge(PoolActiveWorkers).Set(float64(p.workers))
	p.fleet = fl
	return fl
}

// runState is the per-job dispatch bookkeeping shared between the feeder
// goroutine and the collector loop.
type runState struct {
	dispatched atomic.Int64
	feedDone   chan struct{}
}

// run executes one job over the fleet and hands per-chunk output slices
// to emit, ordered by chunk id when ordered is true and in arrival order
// otherwise. It returns the first error produced, or nil. When emit
// returns false the job is treated as abandoned by the consumer and
// aborted with kind Cancelled.
func (p *Pool[I, O]) run(ctx context.Context, jb workerJob[I, O], chunks iter.Seq[chunk[I]], cfg *mapConfig, ordered bool, total int, emit func([]O) bool) *Error[I] {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	if p.closed.Load() {
		return &Error[I]{Err: ErrPoolClosed, Path: []Name{p.name}, Kind: KindInvalidArgument, WorkerID: -1, Timestamp: time.Now()}
	}

	jobID := int(p.jobSeq.Add(1))
	mapCtx, span := p.tracer.StartSpan(ctx, PoolMapSpan)
	span.SetTag(PoolTagJobID, fmt.Sprintf("%d", jobID))
	span.SetTag(PoolTagOrdered, boolString(ordered))
	defer span.Finish()

	fl := p.acquireFleet(jb, cfg.insights)
	cm := fl.cm
	cm.resetForJob()
	if cfg.insights {
		fl.rec.reset()
	}

	maxActive := 2 * p.workers
	if cfg.maxTasksActive.set {
		maxActive = cfg.maxTasksActive.value
	}
	sem := make(chan struct{}, maxActive)

	var bridge *progressBridge[I, O]
	if cfg.progress {
		bridge = startProgressBridge(mapCtx, p, cm, total, cfg.progressPosition)
	}

	capitan.Info(mapCtx, SignalJobStarted,
		FieldName.Field(string(p.name)),
		FieldJobID.Field(jobID),
		FieldWorkerCount.Field(p.workers),
		FieldMaxTasksActive.Field(maxActive),
		FieldTotal.Field(total),
	)
	start := p.getClock().Now()

	// Tasks receive a child of the map context, canceled when the job aborts.
	jobCtx, cancelJob := context.WithCancel(mapCtx)
	defer cancelJob()

	st := &runState{feedDone: make(chan struct{})}
	go p.feed(jobCtx, cm, chunks, sem, st, maxActive)

	err := p.collect(mapCtx, fl, sem, st, ordered, emit)
	if err != nil {
		cancelJob()
		p.abortJob(fl, bridge, err)
		span.SetTag(PoolTagError, err.Error())
		capitan.Error(mapCtx, SignalJobAborted,
			FieldName.Field(string(p.name)),
			FieldJobID.Field(jobID),
			FieldError.Field(err.Error()),
			FieldErrorKind.Field(err.Kind.String()),
		)
		return err
	}

	// Success: settle pending recycles, then either poison the fleet or
	// keep it warm for the next matching job.
	p.settleRestarts(fl)
	if err := cm.err(); err != nil {
		p.abortJob(fl, bridge, err)
		return err
	}
	if !p.keepAlive {
		if err := p.shutdownFleet(fl); err != nil {
			p.abortJob(fl, bridge, err)
			return err
		}
		p.fleet = nil
	} else {
		p.storeInsights(fl.rec)
	}
	bridge.finish(false)

	capitan.Info(mapCtx, SignalJobCompleted,
		FieldName.Field(string(p.name)),
		FieldJobID.Field(jobID),
		FieldCompleted.Field(int(cm.completed.Load())),
		FieldDuration.Field(p.getClock().Now().Sub(start).Seconds()),
	)
	return nil
}

// feed pushes chunks to the task channel under the in-flight cap. A slot
// is acquired per chunk before the send and released by the collector
// when the chunk's result arrives, so in_flight never exceeds the cap.
func (p *Pool[I, O]) feed(ctx context.Context, cm *comms[I, O], chunks iter.Seq[chunk[I]], sem chan struct{}, st *runState, maxActive int) {
	defer close(st.feedDone)
	for c := range chunks {
		if len(sem) == maxActive {
			capitan.Warn(ctx, SignalDispatchSaturated,
				FieldName.Field(string(p.name)),
				FieldInFlight.Field(len(sem)),
				FieldMaxTasksActive.Field(maxActive),
			)
		}
		select {
		case sem <- struct{}{}:
		case <-cm.aborted:
			return
		case <-ctx.Done():
			return
		}
		p.metrics.Gauge(PoolInFlight).Set(float64(len(sem)))
		select {
		case cm.tasks <- taskMsg[I]{ctx: ctx, chunk: c}:
			st.dispatched.Add(1)
			p.metrics.Counter(PoolChunksDispatchedTotal).Inc()
		case <-cm.aborted:
			return
		case <-ctx.Done():
			return
		}
	}
}

// collect drains results, preserving input order through a reorder
// buffer when required, and drives recycling and exit-record collection
// on the side. Returns the first error, or nil on success.
func (p *Pool[I, O]) collect(ctx context.Context, fl *fleet[I, O], sem chan struct{}, st *runState, ordered bool, emit func([]O) bool) *Error[I] {
	cm := fl.cm
	buffer := make(map[int][]O)
	next := 0
	received := int64(0)

	feederDone := false
	for {
		if err := cm.err(); err != nil {
			return err
		}
		if feederDone && received == st.dispatched.Load() {
			if ctx.Err() != nil {
				// The feeder stopped early because the caller canceled.
				cm.latch(&Error[I]{
					Err:       ctx.Err(),
					Path:      []Name{p.name},
					Kind:      KindCancelled,
					WorkerID:  -1,
					Canceled:  true,
					Timestamp: time.Now(),
				})
				return cm.err()
			}
			return nil
		}
		select {
		case <-st.feedDone:
			st.feedDone = nil // select on a nil channel blocks; drain once
			feederDone = true
		case res := <-cm.results:
			if res.err != nil {
				cm.latch(res.err)
				return cm.err()
			}
			<-sem
			p.metrics.Gauge(PoolInFlight).Set(float64(len(sem)))
			received++
			cm.taskDone(res.n)
			p.metrics.Counter(PoolTasksCompletedTotal).Add(float64(res.n))
			capitan.Info(ctx, SignalChunkCompleted,
				FieldName.Field(string(p.name)),
				FieldChunkID.Field(res.chunkID),
				FieldChunkLen.Field(res.n),
				FieldWorkerIndex.Field(res.workerID),
			)
			if !ordered {
				if !emit(res.outputs) {
					cm.latch(abandonedErr[I](p.name))
					return cm.err()
				}
				continue
			}
			buffer[res.chunkID] = res.outputs
			for {
				outputs, ok := buffer[next]
				if !ok {
					break
				}
				delete(buffer, next)
				next++
				if !emit(outputs) {
					cm.latch(abandonedErr[I](p.name))
					return cm.err()
				}
			}
		case idx := <-cm.restarts:
			p.recycle(fl, idx)
		case em := <-cm.exits:
			if em.err != nil {
				cm.latch(em.err)
				return cm.err()
			}
			p.recordExit(em)
		case <-cm.aborted:
			return cm.err()
		case <-p.getClock().After(heartbeatInterval):
			// A worker that died without reporting leaves its chunks
			// unanswered forever; promote the silent death instead of
			// blocking the collector.
			if idx := fl.deadWorker(); idx >= 0 {
				capitan.Error(ctx, SignalWorkerCrashed,
					FieldName.Field(string(p.name)),
					FieldWorkerIndex.Field(idx),
				)
				cm.latch(&Error[I]{
					Err:       fmt.Errorf("worker %d died without reporting", idx),
					Path:      []Name{p.name},
					Kind:      KindWorkerCrash,
					WorkerID:  idx,
					Timestamp: time.Now(),
				})
				return cm.err()
			}
		case <-ctx.Done():
			cm.latch(&Error[I]{
				Err:       ctx.Err(),
				Path:      []Name{p.name},
				Kind:      KindCancelled,
				WorkerID:  -1,
				Canceled:  true,
				Timestamp: time.Now(),
			})
			return cm.err()
		}
	}
}

func abandonedErr[I any](name Name) *Error[I] {
	return &Error[I]{
		Err:       context.Canceled,
		Path:      []Name{name},
		Kind:      KindCancelled,
		WorkerID:  -1,
		Canceled:  true,
		Timestamp: time.Now(),
	}
}

// recycle joins a worker that exhausted its lifespan and spawns a
// replacement with the same index. Exit records arriving while we wait
// are drained so the old worker can never block on a full exit channel.
func (p *Pool[I, O]) recycle(fl *fleet[I, O], idx int) {
	old := fl.workers[idx]
	for {
		select {
		case em := <-fl.cm.exits:
			if em.err != nil {
				fl.cm.latch(em.err)
				return
			}
			p.recordExit(em)
		case <-old.done:
			goto replace
		}
	}
replace:
	restarts := old.restarts + 1
	fl.workers[idx] = spawn(fl.ctx, p, fl, idx, restarts)
	p.metrics.Counter(PoolWorkersRecycledTotal).Inc()
	capitan.Info(fl.ctx, SignalWorkerRecycled,
		FieldName.Field(string(p.name)),
		FieldWorkerIndex.Field(idx),
		FieldRestarts.Field(restarts),
	)
	_ = p.workerHooks.Emit(fl.ctx, EventWorkerRestart, WorkerEvent{ //nolint:errcheck
		Name:        p.name,
		WorkerIndex: idx,
		Restarts:    restarts,
		Timestamp:   p.getClock().Now(),
	})
}

// settleRestarts processes recycle requests that raced with the end of
// the job so a kept-alive fleet returns to full strength.
func (p *Pool[I, O]) settleRestarts(fl *fleet[I, O]) {
	for {
		select {
		case idx := <-fl.cm.restarts:
			p.recycle(fl, idx)
		default:
			return
		}
	}
}

// shutdownFleet poisons every live worker, drains exit results with a
// per-worker deadline, and joins the goroutines. A worker that neither
// reports nor exits within the deadline is promoted to a WorkerCrash.
func (p *Pool[I, O]) shutdownFleet(fl *fleet[I, O]) *Error[I] {
	cm := fl.cm
	for _, w := range fl.workers {
		if !w.exiting.Load() {
			cm.tasks <- taskMsg[I]{poison: true}
		}
	}

	clock := p.getClock()
	for _, w := range fl.workers {
		deadline := clock.After(p.joinTimeout)
	wait:
		for {
			select {
			case em := <-cm.exits:
				if em.err != nil {
					return em.err
				}
				p.recordExit(em)
			case <-w.done:
				break wait
			case <-deadline:
				fl.cancel()
				return &Error[I]{
					Err:       fmt.Errorf("worker %d did not exit within %v", w.index, p.joinTimeout),
					Path:      []Name{p.name},
					Kind:      KindWorkerCrash,
					WorkerID:  w.index,
					Timestamp: time.Now(),
				}
			}
		}
		if !w.reported.Load() {
			capitan.Error(context.Background(), SignalWorkerCrashed,
				FieldName.Field(string(p.name)),
				FieldWorkerIndex.Field(w.index),
			)
			return &Error[I]{
				Err:       fmt.Errorf("worker %d died without reporting", w.index),
				Path:      []Name{p.name},
				Kind:      KindWorkerCrash,
				WorkerID:  w.index,
				Timestamp: time.Now(),
			}
		}
	}
	// Drain any exit records still buffered after the joins.
	for {
		select {
		case em := <-cm.exits:
			if em.err != nil {
				return em.err
			}
			p.recordExit(em)
		default:
			fl.cancel()
			p.metrics.Gauge(PoolActiveWorkers).Set(0)
			p.storeInsights(fl.rec)
			return nil
		}
	}
}

// teardownFleet is the non-failing variant used when a signature change
// retires a warm fleet: poison, bounded join, keep whatever exit results
// arrive.
func (p *Pool[I, O]) teardownFleet(fl *fleet[I, O]) {
	if fl.cm.aborting.Load() {
		fl.cancel()
		p.abandonFleet(fl)
		return
	}
	if err := p.shutdownFleet(fl); err != nil {
		fl.cancel()
		p.abandonFleet(fl)
	}
}

// abortJob implements shutdown-on-failure: stop feeding, terminate
// workers, drain and discard pending traffic, bound the graceful join,
// and abandon whatever does not exit in time.
func (p *Pool[I, O]) abortJob(fl *fleet[I, O], bridge *progressBridge[I, O], err *Error[I]) {
	fl.cm.latch(err)
	p.metrics.Counter(PoolErrorsTotal).Inc()
	fl.cancel()
	p.abandonFleet(fl)
	p.fleet = nil
	bridge.finish(true)
}

// abandonFleet waits out the graceful-join deadline while draining and
// discarding results; workers that block past the deadline are abandoned
// (the in-process rendition of a forced kill). Best-effort exit results
// are still recorded.
func (p *Pool[I, O]) abandonFleet(fl *fleet[I, O]) {
	cm := fl.cm
	deadline := p.getClock().After(p.joinTimeout)
	for _, w := range fl.workers {
		for {
			select {
			case <-cm.results:
			case <-cm.restarts:
			case em := <-cm.exits:
				if em.err == nil {
					p.recordExit(em)
				}
			case <-w.done:
			case <-deadline:
				p.metrics.Gauge(PoolActiveWorkers).Set(0)
				p.storeInsights(fl.rec)
				return
			}
			if isClosed(w.done) {
				break
			}
		}
	}
	p.metrics.Gauge(PoolActiveWorkers).Set(0)
	p.storeInsights(fl.rec)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (p *Pool[I, O]) recordExit(em exitMsg[I]) {
	if !em.hasValue {
		return
	}
	p.mu.Lock()
	p.exitResults = append(p.exitResults, ExitResult{WorkerIndex: em.workerID, Value: em.value})
	p.mu.Unlock()
}

func (p *Pool[I, O]) storeInsights(rec *insightsRecorder) {
	p.mu.Lock()
	p.lastInsights = rec
	p.mu.Unlock()
}
