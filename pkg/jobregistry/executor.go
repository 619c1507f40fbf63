package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is how often a running task's record is touched.
const DefaultHeartbeatInterval = 30 * time.Second

// Executor spawns local child processes for tasks, capturing stdout/stderr
// to per-task log files and recording them in the store.
type Executor struct {
	store *Store

	// Exe is the program to run; empty means this executable.
	Exe string
	// Env is appended to the inherited environment.
	Env []string
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewExecutor(store *Store) *Executor {
	return &Executor{store: store}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(taskID string) string {
	return filepath.Join(e.store.TaskDir(taskID), "stdout.log")
}

func (e *Executor) StderrPath(taskID string) string {
	return filepath.Join(e.store.TaskDir(taskID), "stderr.log")
}

// Start spawns Exe with args as a task of the given kind. The child is
// killed if ctx is cancelled. It returns once the child has started.
func (e *Executor) Start(ctx context.Context, kind TaskKind, chunk int, args []string) (*Handle, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	taskID := uuid.New().String()
	if err := os.MkdirAll(e.store.TaskDir(taskID), 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(taskID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	closeLogs := func() {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}

	exe := e.Exe
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			closeLogs()
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), e.Env...)

	if err := cmd.Start(); err != nil {
		closeLogs()
		return nil, fmt.Errorf("start %s task: %w", kind, err)
	}

	now := time.Now().UTC()
	rec := &TaskRecord{
		TaskID:        taskID,
		Kind:          kind,
		Chunk:         chunk,
		State:         TaskStateRunning,
		PID:           cmd.Process.Pid,
		Command:       append([]string{exe}, args...),
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: func() *time.Time { t := now; return &t }(),
		StdoutPath:    e.StdoutPath(taskID),
		StderrPath:    e.StderrPath(taskID),
	}
	if err := e.store.Write(rec); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		closeLogs()
		return nil, err
	}

	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Started task",
		zap.String("task_id", taskID),
		zap.String("kind", string(kind)),
		zap.Int("chunk", chunk),
		zap.Int("pid", rec.PID))

	h := &Handle{store: e.store, cmd: cmd, record: rec, closeLogs: closeLogs}
	interval := e.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h.stopHeartbeat = startHeartbeat(ctx, interval, h.touch)
	return h, nil
}

// Handle is a started task.
type Handle struct {
	store     *Store
	cmd       *exec.Cmd
	closeLogs func()

	mu            sync.Mutex
	record        *TaskRecord
	stopHeartbeat func()
}

// Record returns a copy of the current record.
func (h *Handle) Record() TaskRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.record
}

func (h *Handle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record.State != TaskStateRunning {
		return
	}
	now := time.Now().UTC()
	h.record.LastHeartbeat = &now
	_ = h.store.Write(h.record)
}

// Wait blocks until the child exits and records the outcome. A non-zero
// exit is returned as an error naming the task.
func (h *Handle) Wait() error {
	waitErr := h.cmd.Wait()
	h.stopHeartbeat()
	h.closeLogs()

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	code := h.cmd.ProcessState.ExitCode()
	h.record.EndedAt = &now
	h.record.LastHeartbeat = &now
	h.record.ExitCode = &code
	h.record.State = TaskStateSuccess
	if waitErr != nil {
		h.record.State = TaskStateFailed
	}
	if err := h.store.Write(h.record); err != nil && waitErr == nil {
		return err
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("%s task %s exited with code %d (stderr: %s)",
				h.record.Kind, h.record.TaskID, code, h.record.StderrPath)
		}
		return fmt.Errorf("%s task %s: %w", h.record.Kind, h.record.TaskID, waitErr)
	}
	return nil
}
