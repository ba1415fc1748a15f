package poolz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerLifecycle(t *testing.T) {
	t.Run("Init And Exit Counts Match", func(t *testing.T) {
		var initN, exitN int32
		pool := New[int, int]("parity", 3)
		defer pool.Close()

		opts := []MapOption{
			ChunkSize(1),
			WorkerInit(func(_ context.Context, _ *WorkerContext) error {
				atomic.AddInt32(&initN, 1)
				return nil
			}),
			WorkerExit(func(_ context.Context, _ *WorkerContext) (any, error) {
				atomic.AddInt32(&exitN, 1)
				return nil, nil
			}),
		}
		for job := 0; job < 3; job++ {
			_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), make([]int, 9), opts...)
			if err != nil {
				t.Fatalf("job %d: unexpected error: %v", job, err)
			}
			if i, e := atomic.LoadInt32(&initN), atomic.LoadInt32(&exitN); i != e {
				t.Fatalf("job %d: init count %d != exit count %d", job, i, e)
			}
		}
	})

	t.Run("Lifespan Recycles Workers", func(t *testing.T) {
		var initN int32
		pool := New[pair, pair]("recycled", 4)
		defer pool.Close()

		out, err := pool.Map(context.Background(), squarePair, seedInput,
			ChunkSize(1),
			WorkerLifespan(1),
			WorkerInit(func(_ context.Context, _ *WorkerContext) error {
				atomic.AddInt32(&initN, 1)
				return nil
			}),
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != len(seedInput) {
			t.Fatalf("expected %d outputs, got %d", len(seedInput), len(out))
		}
		got := atomic.LoadInt32(&initN)
		if got < int32(len(seedInput)) || got > int32(len(seedInput)+4) {
			t.Errorf("expected init count in [%d, %d], got %d", len(seedInput), len(seedInput)+4, got)
		}
	})

	t.Run("Lifespan Keeps Worker Indexes Stable", func(t *testing.T) {
		var mu sync.Mutex
		indexes := make(map[int]bool)
		pool := New[int, int]("stable", 2).WithWorkerID()
		defer pool.Close()

		_, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, n int) (int, error) {
			mu.Lock()
			indexes[w.ID()] = true
			mu.Unlock()
			return n, nil
		}, make([]int, 10), ChunkSize(1), WorkerLifespan(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for idx := range indexes {
			if idx < 0 || idx >= 2 {
				t.Errorf("worker index %d out of range [0, 2)", idx)
			}
		}
	})

	t.Run("Init Failure Aborts The Job", func(t *testing.T) {
		errInit := errors.New("init failed")
		pool := New[int, int]("init-fail", 2).WithJoinTimeout(time.Second)
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), make([]int, 4),
			WorkerInit(func(_ context.Context, _ *WorkerContext) error { return errInit }))
		if !errors.Is(err, errInit) {
			t.Fatalf("expected init error, got %v", err)
		}
		var poolErr *Error[int]
		if !errors.As(err, &poolErr) || poolErr.Kind != KindInit {
			t.Errorf("expected KindInit, got %v", err)
		}
	})

	t.Run("Exit Failure Surfaces", func(t *testing.T) {
		errExit := errors.New("exit failed")
		pool := New[int, int]("exit-fail", 2).WithJoinTimeout(time.Second)
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), []int{1, 2, 3, 4},
			WorkerExit(func(_ context.Context, _ *WorkerContext) (any, error) { return nil, errExit }))
		if !errors.Is(err, errExit) {
			t.Fatalf("expected exit error, got %v", err)
		}
		var poolErr *Error[int]
		if !errors.As(err, &poolErr) || poolErr.Kind != KindExit {
			t.Errorf("expected KindExit, got %v", err)
		}
	})

	t.Run("Task Panic Becomes An Error", func(t *testing.T) {
		pool := New[int, int]("panicking", 2).WithJoinTimeout(time.Second)
		defer pool.Close()

		_, err := pool.Map(context.Background(), func(_ context.Context, _ *WorkerContext, n int) (int, error) {
			if n == 2 {
				panic("task exploded")
			}
			return n, nil
		}, []int{0, 1, 2, 3}, ChunkSize(1))
		if err == nil {
			t.Fatal("expected error from panicking task")
		}
		if !strings.Contains(err.Error(), "panic") {
			t.Errorf("expected panic message, got %v", err)
		}
		var poolErr *Error[int]
		if !errors.As(err, &poolErr) || poolErr.Kind != KindUserFunction {
			t.Errorf("expected KindUserFunction, got %v", err)
		}
	})

	t.Run("Exit Results Are Collected", func(t *testing.T) {
		const blobSize = 10 << 20
		pool := New[int, int]("blobs", 4).WithWorkerState()
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), make([]int, 8),
			ChunkSize(1),
			WorkerExit(func(_ context.Context, _ *WorkerContext) (any, error) {
				return make([]byte, blobSize), nil
			}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		results := pool.ExitResults()
		if len(results) != 4 {
			t.Fatalf("expected 4 exit results, got %d", len(results))
		}
		for _, r := range results {
			blob, ok := r.Value.([]byte)
			if !ok {
				t.Fatalf("expected []byte exit value, got %T", r.Value)
			}
			if len(blob) != blobSize {
				t.Errorf("worker %d: expected %d bytes, got %d", r.WorkerIndex, blobSize, len(blob))
			}
		}
	})

	t.Run("Worker State Survives Across Tasks", func(t *testing.T) {
		pool := New[int, int]("stateful", 3).WithWorkerState()
		defer pool.Close()

		in := make([]int, 13)
		_, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, n int) (int, error) {
			w.State()["count"] = stateCount(w) + 1
			return n, nil
		}, in,
			ChunkSize(1),
			WorkerExit(func(_ context.Context, w *WorkerContext) (any, error) {
				return stateCount(w), nil
			}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		total := 0
		for _, r := range pool.ExitResults() {
			total += r.Value.(int)
		}
		if total != len(in) {
			t.Errorf("expected exit counts to sum to %d, got %d", len(in), total)
		}
	})

	t.Run("State Is Absent By Default", func(t *testing.T) {
		pool := New[int, bool]("stateless", 2)
		defer pool.Close()

		out, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, _ int) (bool, error) {
			return w.State() == nil, nil
		}, []int{1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out[0] {
			t.Error("expected nil state without WithWorkerState")
		}
	})
}

func stateCount(w *WorkerContext) int {
	if v, ok := w.State()["count"].(int); ok {
		return v
	}
	return 0
}

func TestWorkerContext(t *testing.T) {
	t.Run("Passes Worker ID When Enabled", func(t *testing.T) {
		pool := New[int, int]("with-id", 3).WithWorkerID()
		defer pool.Close()

		out, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, _ int) (int, error) {
			return w.ID(), nil
		}, make([]int, 12), ChunkSize(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, id := range out {
			if id < 0 || id >= 3 {
				t.Errorf("worker id %d out of range [0, 3)", id)
			}
		}
	})

	t.Run("Hides Worker ID By Default", func(t *testing.T) {
		pool := New[int, int]("no-id", 2)
		defer pool.Close()

		out, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, _ int) (int, error) {
			return w.ID(), nil
		}, []int{1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out[0] != -1 {
			t.Errorf("expected -1 without WithWorkerID, got %d", out[0])
		}
	})

	t.Run("Publishes Shared Objects To Every Worker", func(t *testing.T) {
		table := map[string]int{"answer": 42}
		pool := New[int, int]("shared", 3).WithSharedObjects(table, "token")
		defer pool.Close()

		out, err := pool.Map(context.Background(), func(_ context.Context, w *WorkerContext, _ int) (int, error) {
			shared := w.Shared()
			if len(shared) != 2 || shared[1] != "token" {
				return 0, errors.New("shared objects missing")
			}
			return shared[0].(map[string]int)["answer"], nil
		}, make([]int, 9), ChunkSize(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, v := range out {
			if v != 42 {
				t.Errorf("expected shared lookup 42, got %d", v)
			}
		}
	})

	t.Run("Applies CPU Pins Per Worker", func(t *testing.T) {
		var mu sync.Mutex
		pins := make(map[int][]int)
		pool := New[int, int]("pinned", 2).
			WithCPUIDs([][]int{{0}, {0}}).
			WithPinFunc(func(workerIndex int, cpus []int) error {
				mu.Lock()
				pins[workerIndex] = cpus
				mu.Unlock()
				return nil
			})
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), []int{1, 2, 3, 4})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(pins) != 2 {
			t.Fatalf("expected pins for 2 workers, got %d", len(pins))
		}
		for idx, cpus := range pins {
			if len(cpus) != 1 || cpus[0] != 0 {
				t.Errorf("worker %d: unexpected cpu set %v", idx, cpus)
			}
		}
	})

	t.Run("Rejects Mismatched CPU IDs", func(t *testing.T) {
		pool := New[int, int]("bad-cpus", 2).
			WithCPUIDs([][]int{{0}, {0}, {0}}).
			WithPinFunc(func(int, []int) error { return nil })
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), []int{1})
		var poolErr *Error[int]
		if !errors.As(err, &poolErr) || poolErr.Kind != KindInvalidArgument {
			t.Errorf("expected KindInvalidArgument for mismatched cpu ids, got %v", err)
		}
	})

	t.Run("Rejects Out Of Range CPU IDs", func(t *testing.T) {
		pool := New[int, int]("oob-cpus", 2).
			WithCPUIDs([][]int{{1 << 20}}).
			WithPinFunc(func(int, []int) error { return nil })
		defer pool.Close()

		_, err := pool.Map(context.Background(), Transform(func(n int) int { return n }), []int{1})
		var poolErr *Error[int]
		if !errors.As(err, &poolErr) || poolErr.Kind != KindInvalidArgument {
			t.Errorf("expected KindInvalidArgument for out-of-range cpu id, got %v", err)
		}
	})
}

func TestNestedPools(t *testing.T) {
	t.Run("Daemon Pool Rejects Nested Pools", func(t *testing.T) {
		outer := New[int, bool]("daemon-outer", 2).WithDaemon()
		defer outer.Close()

		out, err := outer.Map(context.Background(), func(taskCtx context.Context, _ *WorkerContext, _ int) (bool, error) {
			inner := New[int, int]("daemon-inner", 2)
			defer inner.Close()
			_, innerErr := inner.Map(taskCtx, Transform(func(n int) int { return n }), []int{1})
			return errors.Is(innerErr, ErrNestedPool), nil
		}, []int{1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out[0] {
			t.Error("expected nested pool construction to fail under a daemon pool")
		}
	})

	t.Run("Non Daemon Pool Allows Nested Pools", func(t *testing.T) {
		outer := New[int, int]("outer", 2)
		defer outer.Close()

		out, err := outer.Map(context.Background(), func(taskCtx context.Context, _ *WorkerContext, n int) (int, error) {
			inner := New[int, int]("inner", 2)
			defer inner.Close()
			res, innerErr := inner.Map(taskCtx, Transform(func(m int) int { return m * 10 }), []int{n})
			if innerErr != nil {
				return 0, innerErr
			}
			return res[0], nil
		}, []int{1, 2, 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, v := range out {
			if v != (i+1)*10 {
				t.Errorf("element %d: expected %d, got %d", i, (i+1)*10, v)
			}
		}
	})
}
