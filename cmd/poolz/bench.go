package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zoobzio/poolz"
)

// benchScenario describes one benchmark run, loaded from YAML. Durations
// are Go duration strings ("1ms", "250us").
type benchScenario struct {
	Name           string `yaml:"name"`
	Workers        int    `yaml:"workers"`
	Tasks          int    `yaml:"tasks"`
	TaskDuration   string `yaml:"task_duration"`
	ChunkSize      int    `yaml:"chunk_size"`
	NSplits        int    `yaml:"n_splits"`
	MaxTasksActive int    `yaml:"max_tasks_active"`
	WorkerLifespan int    `yaml:"worker_lifespan"`
	Unordered      bool   `yaml:"unordered"`
}

func (sc benchScenario) taskDuration() (time.Duration, error) {
	if sc.TaskDuration == "" {
		return 0, nil
	}
	return time.ParseDuration(sc.TaskDuration)
}

type benchFile struct {
	Scenarios []benchScenario `yaml:"scenarios"`
}

var (
	benchScenarioFile string

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run benchmark scenarios and print worker insights",
		Long: `Run one or more benchmark scenarios against the pool and print the
aggregated worker insights for each.

Without --scenarios, a single built-in scenario is used. A scenario file
looks like:

  scenarios:
    - name: small-chunks
      workers: 8
      tasks: 2000
      task_duration: 1ms
      chunk_size: 4
    - name: recycled
      workers: 4
      tasks: 500
      task_duration: 2ms
      worker_lifespan: 25`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runBench()
		},
	}
)

func init() {
	benchCmd.Flags().StringVarP(&benchScenarioFile, "scenarios", "s", "", "YAML scenario file")
}

func loadScenarios() ([]benchScenario, error) {
	if benchScenarioFile == "" {
		return []benchScenario{{
			Name:         "default",
			Workers:      4,
			Tasks:        1000,
			TaskDuration: "1ms",
			ChunkSize:    8,
		}}, nil
	}
	data, err := os.ReadFile(benchScenarioFile)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var f benchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("scenario file %s contains no scenarios", benchScenarioFile)
	}
	return f.Scenarios, nil
}

func runBench() error {
	scenarios, err := loadScenarios()
	if err != nil {
		return err
	}
	for _, sc := range scenarios {
		if err := runScenario(sc); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}
	return nil
}

func runScenario(sc benchScenario) error {
	pool := poolz.New[int, int](poolz.Name("bench-"+sc.Name), sc.Workers)
	defer pool.Close()

	in := make([]int, sc.Tasks)
	for i := range in {
		in[i] = i
	}

	opts := []poolz.MapOption{poolz.EnableInsights()}
	if sc.ChunkSize > 0 {
		opts = append(opts, poolz.ChunkSize(sc.ChunkSize))
	}
	if sc.NSplits > 0 {
		opts = append(opts, poolz.NSplits(sc.NSplits))
	}
	if sc.MaxTasksActive > 0 {
		opts = append(opts, poolz.MaxTasksActive(sc.MaxTasksActive))
	}
	if sc.WorkerLifespan > 0 {
		opts = append(opts, poolz.WorkerLifespan(sc.WorkerLifespan))
	}

	taskDur, err := sc.taskDuration()
	if err != nil {
		return err
	}
	task := func(_ context.Context, _ *poolz.WorkerContext, n int) (int, error) {
		if taskDur > 0 {
			time.Sleep(taskDur)
		}
		return n * n, nil
	}

	start := time.Now()
	var mapErr error
	if sc.Unordered {
		_, mapErr = pool.MapUnordered(context.Background(), task, in, opts...)
	} else {
		_, mapErr = pool.Map(context.Background(), task, in, opts...)
	}
	if mapErr != nil {
		return mapErr
	}
	elapsed := time.Since(start)

	fmt.Printf("=== %s: %d tasks, %d workers, %v ===\n", sc.Name, sc.Tasks, sc.Workers, elapsed.Round(time.Millisecond))
	fmt.Print(pool.Insights().String())
	fmt.Println()
	return nil
}
