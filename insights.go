package poolz

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// topTasks is the number of longest-task entries retained per worker and
// in the global aggregation.
const topTasks = 5

// TaskTiming is one entry of the longest-task table: the stringified
// argument of the task, how long it ran, and where it ran.
type TaskTiming struct {
	Args        string
	Duration    time.Duration
	WorkerIndex int
	arrival     int
}

// PhaseInsights aggregates one lifecycle phase (start-up, init, waiting,
// working, exit) across the fleet.
type PhaseInsights struct {
	PerWorker []time.Duration
	Total     time.Duration
	Mean      time.Duration
	Std       time.Duration
	Ratio     float64
}

// Insights is the aggregated view of worker telemetry, produced by
// Pool.Insights after a job run with insights enabled.
type Insights struct {
	StartUp        PhaseInsights
	Init           PhaseInsights
	Waiting        PhaseInsights
	Working        PhaseInsights
	Exit           PhaseInsights
	TasksCompleted []uint64
	TopTasks       []TaskTiming
	TotalTime      time.Duration
	Workers        int
}

// insightsRecorder holds the per-worker numeric slots workers write into.
// Each worker writes only its own index (and its own top-task region), so
// no locking is needed on the hot path; aggregation runs only after all
// workers have exited.
type insightsRecorder struct {
	startUp    []time.Duration
	initDur    []time.Duration
	waiting    []time.Duration
	working    []time.Duration
	exitDur    []time.Duration
	nCompleted []uint64

	topArgs    []string
	topDur     []time.Duration
	topArrival []int

	workers int
	enabled bool
}

func newInsightsRecorder(workers int, enabled bool) *insightsRecorder {
	return &insightsRecorder{
		startUp:    make([]time.Duration, workers),
		initDur:    make([]time.Duration, workers),
		waiting:    make([]time.Duration, workers),
		working:    make([]time.Duration, workers),
		exitDur:    make([]time.Duration, workers),
		nCompleted: make([]uint64, workers),
		topArgs:    make([]string, workers*topTasks),
		topDur:     make([]time.Duration, workers*topTasks),
		topArrival: make([]int, workers*topTasks),
		workers:    workers,
		enabled:    enabled,
	}
}

// reset clears all slots. Called at job start so keep-alive reuse reports
// the current job only.
func (r *insightsRecorder) reset() {
	for i := range r.startUp {
		r.startUp[i], r.initDur[i], r.waiting[i], r.working[i], r.exitDur[i] = 0, 0, 0, 0, 0
		r.nCompleted[i] = 0
	}
	for i := range r.topArgs {
		r.topArgs[i], r.topDur[i], r.topArrival[i] = "", 0, 0
	}
}

// mergeTop folds a worker's local longest-task table into its shared
// region. Entries are kept sorted by duration descending, ties broken by
// arrival order, so recycled lifetimes of the same index merge stably.
func (r *insightsRecorder) mergeTop(workerIndex int, local []TaskTiming) {
	if !r.enabled {
		return
	}
	lo, hi := workerIndex*topTasks, (workerIndex+1)*topTasks
	merged := make([]TaskTiming, 0, topTasks+len(local))
	for i := lo; i < hi; i++ {
		if r.topArgs[i] == "" && r.topDur[i] == 0 {
			continue
		}
		merged = append(merged, TaskTiming{
			Args:        r.topArgs[i],
			Duration:    r.topDur[i],
			WorkerIndex: workerIndex,
			arrival:     r.topArrival[i],
		})
	}
	merged = append(merged, local...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Duration != merged[j].Duration {
			return merged[i].Duration > merged[j].Duration
		}
		return merged[i].arrival < merged[j].arrival
	})
	if len(merged) > topTasks {
		merged = merged[:topTasks]
	}
	for i := lo; i < hi; i++ {
		r.topArgs[i], r.topDur[i], r.topArrival[i] = "", 0, 0
	}
	for i, t := range merged {
		r.topArgs[lo+i] = t.Args
		r.topDur[lo+i] = t.Duration
		r.topArrival[lo+i] = t.arrival
	}
}

// aggregate produces the caller-facing Insights view.
func (r *insightsRecorder) aggregate() Insights {
	in := Insights{
		StartUp:        aggregatePhase(r.startUp),
		Init:           aggregatePhase(r.initDur),
		Waiting:        aggregatePhase(r.waiting),
		Working:        aggregatePhase(r.working),
		Exit:           aggregatePhase(r.exitDur),
		TasksCompleted: append([]uint64(nil), r.nCompleted...),
		Workers:        r.workers,
	}
	in.TotalTime = in.StartUp.Total + in.Init.Total + in.Waiting.Total + in.Working.Total + in.Exit.Total
	if in.TotalTime > 0 {
		in.StartUp.Ratio = float64(in.StartUp.Total) / float64(in.TotalTime)
		in.Init.Ratio = float64(in.Init.Total) / float64(in.TotalTime)
		in.Waiting.Ratio = float64(in.Waiting.Total) / float64(in.TotalTime)
		in.Working.Ratio = float64(in.Working.Total) / float64(in.TotalTime)
		in.Exit.Ratio = float64(in.Exit.Total) / float64(in.TotalTime)
	}

	all := make([]TaskTiming, 0, len(r.topDur))
	for w := 0; w < r.workers; w++ {
		for i := w * topTasks; i < (w+1)*topTasks; i++ {
			if r.topArgs[i] == "" && r.topDur[i] == 0 {
				continue
			}
			all = append(all, TaskTiming{
				Args:        r.topArgs[i],
				Duration:    r.topDur[i],
				WorkerIndex: w,
				arrival:     r.topArrival[i],
			})
		}
	}
	// Global top entries ordered by duration descending; ties resolved
	// stable-by-(worker index, arrival index) to keep output deterministic.
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Duration != all[j].Duration {
			return all[i].Duration > all[j].Duration
		}
		if all[i].WorkerIndex != all[j].WorkerIndex {
			return all[i].WorkerIndex < all[j].WorkerIndex
		}
		return all[i].arrival < all[j].arrival
	})
	if len(all) > topTasks {
		all = all[:topTasks]
	}
	in.TopTasks = all
	return in
}

func aggregatePhase(per []time.Duration) PhaseInsights {
	p := PhaseInsights{PerWorker: append([]time.Duration(nil), per...)}
	for _, d := range per {
		p.Total += d
	}
	if len(per) == 0 {
		return p
	}
	mean := float64(p.Total) / float64(len(per))
	var variance float64
	for _, d := range per {
		diff := float64(d) - mean
		variance += diff * diff
	}
	variance /= float64(len(per))
	p.Mean = time.Duration(mean)
	p.Std = time.Duration(math.Sqrt(variance))
	return p
}

// String renders a human-readable summary of the insights.
func (in Insights) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workers: %d, total time: %s\n", in.Workers, formatSeconds(in.TotalTime))
	writePhase := func(name string, p PhaseInsights) {
		fmt.Fprintf(&b, "  %-8s total: %s (%.1f%%), mean: %s, std: %s\n",
			name, formatSeconds(p.Total), p.Ratio*100, formatSeconds(p.Mean), formatSeconds(p.Std))
	}
	writePhase("start-up", in.StartUp)
	writePhase("init", in.Init)
	writePhase("waiting", in.Waiting)
	writePhase("working", in.Working)
	writePhase("exit", in.Exit)
	if len(in.TopTasks) > 0 {
		b.WriteString("  longest tasks:\n")
		for _, t := range in.TopTasks {
			fmt.Fprintf(&b, "    %s (worker %d) %s\n", formatSeconds(t.Duration), t.WorkerIndex, t.Args)
		}
	}
	return b.String()
}

// formatSeconds renders a duration as H:MM:SS, switching to millisecond
// precision when the value is below one minute.
func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("0:00:%06.3f", d.Seconds())
	}
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
