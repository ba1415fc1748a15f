package poolz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTestBoom = errors.New("boom")

// waitInits polls until the init counter reaches want or a deadline
// passes. A freshly spawned worker that received no task may still be
// running its init hook when Map returns.
func waitInits(n *int32, want int32) int32 {
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(n) < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return atomic.LoadInt32(n)
}

func TestKeepAlive(t *testing.T) {
	t.Run("Reuses Workers Across Matching Jobs", func(t *testing.T) {
		var initN int32
		pool := New[int, int]("warm", 3).WithKeepAlive()
		defer pool.Close()

		fn := Transform(func(n int) int { return n * n })
		opts := []MapOption{
			WorkerInit(func(_ context.Context, _ *WorkerContext) error {
				atomic.AddInt32(&initN, 1)
				return nil
			}),
		}
		for job := 0; job < 4; job++ {
			_, err := pool.Map(context.Background(), fn, []int{1, 2, 3, 4, 5, 6}, opts...)
			if err != nil {
				t.Fatalf("job %d: unexpected error: %v", job, err)
			}
		}
		if got := atomic.LoadInt32(&initN); got != 3 {
			t.Errorf("expected init to run once per worker (3), got %d", got)
		}
	})

	t.Run("Signature Change Forces Reinitialization", func(t *testing.T) {
		var initN int32
		pool := New[int, int]("resigned", 2).WithKeepAlive()
		defer pool.Close()

		fn := Transform(func(n int) int { return n })
		init := WorkerInit(func(_ context.Context, _ *WorkerContext) error {
			atomic.AddInt32(&initN, 1)
			return nil
		})

		if _, err := pool.Map(context.Background(), fn, []int{1, 2}, init); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Same signature: no new workers.
		if _, err := pool.Map(context.Background(), fn, []int{3, 4}, init); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := waitInits(&initN, 2); got != 2 {
			t.Fatalf("expected 2 inits after matching jobs, got %d", got)
		}
		// Adding a lifespan changes the signature: fleet is rebuilt.
		if _, err := pool.Map(context.Background(), fn, []int{5, 6}, init, WorkerLifespan(100)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := waitInits(&initN, 4); got != 4 {
			t.Errorf("expected 4 inits after signature change, got %d", got)
		}
	})

	t.Run("Close Retires The Warm Fleet", func(t *testing.T) {
		var exitN int32
		pool := New[int, int]("retired", 2).WithKeepAlive()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), []int{1, 2},
			WorkerExit(func(_ context.Context, _ *WorkerContext) (any, error) {
				atomic.AddInt32(&exitN, 1)
				return nil, nil
			}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := atomic.LoadInt32(&exitN); got != 0 {
			t.Fatalf("expected exit hooks to wait for Close, got %d early", got)
		}
		pool.Close()
		if got := atomic.LoadInt32(&exitN); got != 2 {
			t.Errorf("expected 2 exits after Close, got %d", got)
		}
	})

	t.Run("Failure Discards The Warm Fleet", func(t *testing.T) {
		var initN int32
		pool := New[int, int]("rebuilt", 2).WithKeepAlive().WithJoinTimeout(time.Second)
		defer pool.Close()

		fail := func(_ context.Context, _ *WorkerContext, n int) (int, error) {
			if n == 3 {
				return 0, errTestBoom
			}
			return n, nil
		}
		init := WorkerInit(func(_ context.Context, _ *WorkerContext) error {
			atomic.AddInt32(&initN, 1)
			return nil
		})

		if _, err := pool.Map(context.Background(), fail, []int{1, 2, 3, 4}, ChunkSize(1), init); err == nil {
			t.Fatal("expected failing job to error")
		}
		out, err := pool.Map(context.Background(), fail, []int{1, 2}, ChunkSize(1), init)
		if err != nil {
			t.Fatalf("pool unusable after failed job: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 outputs, got %d", len(out))
		}
		if got := waitInits(&initN, 4); got != 4 {
			t.Errorf("expected a fresh fleet (4 inits) after failure, got %d", got)
		}
	})
}

func TestMetrics(t *testing.T) {
	t.Run("Counts Tasks And Chunks", func(t *testing.T) {
		pool := New[int, int]("counted", 2)
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), make([]int, 12), ChunkSize(3))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := pool.Metrics().Counter(PoolTasksCompletedTotal).Value(); got != 12 {
			t.Errorf("expected 12 completed tasks, got %v", got)
		}
		if got := pool.Metrics().Counter(PoolChunksDispatchedTotal).Value(); got != 4 {
			t.Errorf("expected 4 dispatched chunks, got %v", got)
		}
		if got := pool.Metrics().Counter(PoolWorkersStartedTotal).Value(); got != 2 {
			t.Errorf("expected 2 worker starts, got %v", got)
		}
	})

	t.Run("Counts Aborted Jobs", func(t *testing.T) {
		pool := New[int, int]("aborted", 2).WithJoinTimeout(time.Second)
		defer pool.Close()

		_, err := pool.Map(context.Background(), func(_ context.Context, _ *WorkerContext, n int) (int, error) {
			return 0, errTestBoom
		}, []int{1, 2, 3})
		if err == nil {
			t.Fatal("expected error")
		}
		if got := pool.Metrics().Counter(PoolErrorsTotal).Value(); got != 1 {
			t.Errorf("expected 1 aborted job, got %v", got)
		}
	})
}
