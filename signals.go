package poolz

import "github.com/zoobzio/capitan"

// Signal constants for pool events.
// Signals follow the pattern: <subsystem>.<event>.
const (
	// Worker lifecycle signals.
	SignalWorkerStarted  capitan.Signal = "worker.started"
	SignalWorkerReady    capitan.Signal = "worker.ready"
	SignalWorkerRecycled capitan.Signal = "worker.recycled"
	SignalWorkerExited   capitan.Signal = "worker.exited"
	SignalWorkerCrashed  capitan.Signal = "worker.crashed"

	// Dispatch signals.
	SignalDispatchSaturated capitan.Signal = "dispatch.saturated"
	SignalChunkCompleted    capitan.Signal = "dispatch.chunk-completed"

	// Job signals.
	SignalJobStarted   capitan.Signal = "job.started"
	SignalJobCompleted capitan.Signal = "job.completed"
	SignalJobAborted   capitan.Signal = "job.aborted"

	// Progress signals.
	SignalProgressFlushed capitan.Signal = "progress.flushed"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName      = capitan.NewStringKey("name")       // Pool instance name
	FieldError     = capitan.NewStringKey("error")      // Error message
	FieldErrorKind = capitan.NewStringKey("error_kind") // Error kind name
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp

	// Worker fields.
	FieldWorkerIndex    = capitan.NewIntKey("worker_index")    // Stable worker index
	FieldWorkerCount    = capitan.NewIntKey("worker_count")    // Fleet size
	FieldTasksCompleted = capitan.NewIntKey("tasks_completed") // Tasks done this lifetime
	FieldRestarts       = capitan.NewIntKey("restarts")        // Times this index was recycled

	// Dispatch fields.
	FieldChunkID        = capitan.NewIntKey("chunk_id")         // Chunk identifier
	FieldChunkLen       = capitan.NewIntKey("chunk_len")        // Elements in the chunk
	FieldInFlight       = capitan.NewIntKey("in_flight")        // Chunks currently in flight
	FieldMaxTasksActive = capitan.NewIntKey("max_tasks_active") // In-flight cap

	// Job fields.
	FieldJobID     = capitan.NewIntKey("job_id")       // Job sequence number
	FieldTotal     = capitan.NewIntKey("total")        // Total tasks (when known)
	FieldDuration  = capitan.NewFloat64Key("duration") // Elapsed seconds
	FieldCompleted = capitan.NewIntKey("completed")    // Tasks completed so far
	FieldAborted   = capitan.NewStringKey("aborted")   // "true"/"false" terminal state
)
