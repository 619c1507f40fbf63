package jobregistry

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// StopPID sends SIGTERM to pid and waits up to grace for it to exit, then
// sends SIGKILL. forced reports whether SIGKILL was needed.
func StopPID(pid int, grace time.Duration) (forced bool, err error) {
	if !IsProcessAlive(pid) {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("signal term: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return false, nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = proc.Signal(syscall.SIGKILL)
	return true, nil
}

// Stop terminates a running local task and records it as stopped.
func (s *Store) Stop(rec *TaskRecord, grace time.Duration) (forced bool, err error) {
	if rec.PID <= 0 {
		return false, fmt.Errorf("task %s has no pid recorded", rec.TaskID)
	}
	if rec.State != TaskStateRunning && rec.State != TaskStateUnknown {
		return false, fmt.Errorf("task %s is not running (state=%s)", rec.TaskID, rec.State)
	}

	forced, err = StopPID(rec.PID, grace)
	if err != nil {
		return forced, err
	}
	return forced, s.Transition(rec, TaskStateStopped)
}
