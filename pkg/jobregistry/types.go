package jobregistry

import "time"

// TaskState is the lifecycle state of a task.
//
// NOTE: These values are persisted in task.json and read back by later
// invocations against the same output directory.
type TaskState string

const (
	TaskStateQueued  TaskState = "queued"
	TaskStateRunning TaskState = "running"
	TaskStateSuccess TaskState = "success"
	TaskStateFailed  TaskState = "failed"
	TaskStateStopped TaskState = "stopped"
	TaskStateUnknown TaskState = "unknown"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailed, TaskStateStopped:
		return true
	default:
		return false
	}
}

// TaskKind says what a task runs.
type TaskKind string

const (
	// TaskKindChunk runs the process phase for one chunk.
	TaskKindChunk TaskKind = "chunk"
	// TaskKindCoordinator runs the whole job as a --parent submitted to a
	// cluster scheduler.
	TaskKindCoordinator TaskKind = "coordinator"
)

// TaskRecord is the persistent record written to task.json.
//
// Local tasks carry a PID; scheduler tasks carry a SchedulerID and the PID
// stays zero.
type TaskRecord struct {
	TaskID      string    `json:"task_id"`
	Kind        TaskKind  `json:"kind"`
	Chunk       int       `json:"chunk,omitempty"`
	State       TaskState `json:"state"`
	PID         int       `json:"pid,omitempty"`
	SchedulerID string    `json:"scheduler_id,omitempty"`
	Command     []string  `json:"command,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// Local reports whether the task runs as a child process of this host.
func (r *TaskRecord) Local() bool {
	return r.SchedulerID == ""
}
