package poolz

import (
	"context"
	"sync"
	"sync/atomic"
)

// taskMsg travels over the task channel. A poison message instructs the
// receiving worker to run its exit hook and stop. The job context rides
// along so tasks observe the caller's values and cancellation; the
// worker's own loop lives on the fleet context instead, which is what
// lets keep-alive workers outlive a job.
type taskMsg[I any] struct {
	ctx    context.Context
	chunk  chunk[I]
	poison bool
}

// resultMsg travels over the result channel (many producers, one
// consumer). Either outputs or err is set; a chunk is atomic, so partial
// outputs are never sent. Errors that are not tied to a chunk (init
// failures) carry chunkID -1.
type resultMsg[I, O any] struct {
	err      *Error[I]
	outputs  []O
	workerID int
	chunkID  int
	n        int // input elements the chunk carried
}

// exitMsg carries a worker's exit hook result. Produced at most once per
// worker lifetime.
type exitMsg[I any] struct {
	err      *Error[I]
	value    any
	workerID int
	hasValue bool
}

// comms is the channel fabric connecting the controller to its workers.
// It lives as long as the fleet does: under keep-alive the same fabric
// serves consecutive jobs.
type comms[I, O any] struct {
	tasks    chan taskMsg[I]
	results  chan resultMsg[I, O]
	restarts chan int
	exits    chan exitMsg[I]
	ticks    chan struct{}

	completed atomic.Uint64

	errOnce  sync.Once
	firstErr *Error[I]
	aborting atomic.Bool
	aborted  chan struct{}
}

// newComms sizes the fabric for a fleet: one task slot per worker, a
// result buffer wide enough that workers never block behind a slow
// consumer for long, and an exit buffer sized for full worker fan-in so
// large exit payloads cannot deadlock shutdown.
func newComms[I, O any](workers int) *comms[I, O] {
	return &comms[I, O]{
		tasks:    make(chan taskMsg[I], workers),
		results:  make(chan resultMsg[I, O], 2*workers),
		restarts: make(chan int, workers),
		exits:    make(chan exitMsg[I], workers),
		ticks:    make(chan struct{}, 1),
		aborted:  make(chan struct{}),
	}
}

// latch records the first error and flips the fabric into the aborting
// state. Later errors are discarded; exactly one error surfaces to the
// caller, the first one produced in wall-clock order.
func (c *comms[I, O]) latch(err *Error[I]) {
	if err == nil {
		return
	}
	c.errOnce.Do(func() {
		c.firstErr = err
		c.aborting.Store(true)
		close(c.aborted)
	})
}

// err returns the latched error, or nil if the job is healthy.
func (c *comms[I, O]) err() *Error[I] {
	if !c.aborting.Load() {
		return nil
	}
	return c.firstErr
}

// taskDone bumps the task-completed counter by n and nudges the progress
// bridge. The tick channel is drop-on-full: slow observers never block
// the controller.
func (c *comms[I, O]) taskDone(n int) {
	c.completed.Add(uint64(n))
	select {
	case c.ticks <- struct{}{}:
	default:
	}
}

// resetForJob clears per-job progress state while keeping channels (and
// therefore idle keep-alive workers) intact.
func (c *comms[I, O]) resetForJob() {
	c.completed.Store(0)
	select {
	case <-c.ticks:
	default:
	}
}
