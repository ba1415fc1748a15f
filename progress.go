package poolz

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
)

// Hook event keys for progress observation.
const (
	EventProgress hookz.Key = "pool.progress"
)

// ProgressEvent is emitted through hooks while a job runs and once more
// when it reaches a terminal state. Delivery is best-effort: slow
// observers never block the controller.
type ProgressEvent struct {
	Name      Name
	Completed uint64
	Total     int // -1 when the input length is unknown
	Position  int
	Done      bool
	Aborted   bool
	Timestamp time.Time
}

// progressBridge is the detached observer that consumes progress ticks
// and forwards them at its own cadence. It mirrors the source system's
// design of keeping rendering latency out of the dispatch path: the
// controller only bumps a counter and nudges a drop-on-full channel.
type progressBridge[I, O any] struct {
	pool     *Pool[I, O]
	cm       *comms[I, O]
	total    int
	position int
	sentinel chan bool // terminal state; value is "aborted"
	done     chan struct{}
}

func startProgressBridge[I, O any](ctx context.Context, p *Pool[I, O], cm *comms[I, O], total, position int) *progressBridge[I, O] {
	b := &progressBridge[I, O]{
		pool:     p,
		cm:       cm,
		total:    total,
		position: position,
		sentinel: make(chan bool, 1),
		done:     make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

func (b *progressBridge[I, O]) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.cm.ticks:
			b.emit(ctx, false, false)
		case aborted := <-b.sentinel:
			// Flush the final count, then render the terminal state.
			b.emit(ctx, true, aborted)
			capitan.Info(ctx, SignalProgressFlushed,
				FieldName.Field(string(b.pool.name)),
				FieldCompleted.Field(int(b.cm.completed.Load())),
				FieldAborted.Field(boolString(aborted)),
			)
			return
		}
	}
}

func (b *progressBridge[I, O]) emit(ctx context.Context, done, aborted bool) {
	_ = b.pool.progressHooks.Emit(ctx, EventProgress, ProgressEvent{ //nolint:errcheck
		Name:      b.pool.name,
		Completed: b.cm.completed.Load(),
		Total:     b.total,
		Position:  b.position,
		Done:      done,
		Aborted:   aborted,
		Timestamp: b.pool.getClock().Now(),
	})
}

// finish injects the terminal sentinel and waits for the bridge to flush.
func (b *progressBridge[I, O]) finish(aborted bool) {
	if b == nil {
		return
	}
	b.sentinel <- aborted
	<-b.done
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
