package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoobzio/poolz"
)

var (
	demoWorkers  int
	demoTasks    int
	demoLifespan int

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run an ordered parallel map with progress output",
		Long: `Run a small ordered map over a fleet of workers, printing progress as
tasks complete. With --lifespan set, workers are recycled after that many
tasks and the replacement re-runs the init hook.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDemo()
		},
	}
)

func init() {
	demoCmd.Flags().IntVarP(&demoWorkers, "workers", "w", 4, "worker count")
	demoCmd.Flags().IntVarP(&demoTasks, "tasks", "n", 64, "number of tasks")
	demoCmd.Flags().IntVar(&demoLifespan, "lifespan", 0, "tasks per worker before recycling (0 = unlimited)")
}

func runDemo() error {
	pool := poolz.New[int, int]("demo", demoWorkers).WithWorkerID()
	defer pool.Close()

	if err := pool.OnProgress(func(_ context.Context, ev poolz.ProgressEvent) error {
		if ev.Done {
			state := "done"
			if ev.Aborted {
				state = "aborted"
			}
			fmt.Printf("\rprogress: %d/%d (%s)\n", ev.Completed, ev.Total, state)
		} else {
			fmt.Printf("\rprogress: %d/%d", ev.Completed, ev.Total)
		}
		return nil
	}); err != nil {
		return err
	}

	in := make([]int, demoTasks)
	for i := range in {
		in[i] = i
	}

	opts := []poolz.MapOption{
		poolz.ChunkSize(1),
		poolz.WithProgress(),
		poolz.WorkerInit(func(_ context.Context, w *poolz.WorkerContext) error {
			fmt.Printf("worker %d up\n", w.ID())
			return nil
		}),
	}
	if demoLifespan > 0 {
		opts = append(opts, poolz.WorkerLifespan(demoLifespan))
	}

	start := time.Now()
	out, err := pool.Map(context.Background(), func(_ context.Context, _ *poolz.WorkerContext, n int) (int, error) {
		time.Sleep(5 * time.Millisecond)
		return n * n, nil
	}, in, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("mapped %d tasks across %d workers in %v\n", len(out), demoWorkers, time.Since(start).Round(time.Millisecond))
	fmt.Printf("first results: %v ...\n", out[:min(8, len(out))])
	return nil
}
