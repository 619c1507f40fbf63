// Package jobregistry records the tasks a job spawns (local chunk processes
// and scheduler submissions) so later invocations can report on and stop
// them.
package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gorum/pkg/jobconfig"
)

// Store persists and loads TaskRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<task_id>/task.json
//	<root>/<task_id>/stdout.log
//	<root>/<task_id>/stderr.log
//
// Root is normally <output>/.gorum/tasks.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// ForOutputDir returns the store of a job's output directory.
func ForOutputDir(outputDir string) *Store {
	return NewStore(filepath.Join(jobconfig.ControlDir(outputDir), "tasks"))
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

func (s *Store) TaskPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), "task.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("task registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *TaskRecord) error {
	if record == nil {
		return fmt.Errorf("task record is nil")
	}
	taskID := strings.TrimSpace(record.TaskID)
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	taskDir := s.TaskDir(taskID)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(taskDir, "task.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp task file: %w", err)
	}

	if err := os.Rename(tmpName, s.TaskPath(taskID)); err != nil {
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

func (s *Store) Get(taskID string) (*TaskRecord, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	b, err := os.ReadFile(s.TaskPath(taskID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("task.json is empty")
	}

	var record TaskRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse task.json: %w", err)
	}

	// Zombie detection: a local task that claims running but whose pid is
	// gone is marked unknown. Scheduler tasks are polled by the coordinator.
	if record.State == TaskStateRunning && record.Local() && record.PID > 0 {
		if !IsProcessAlive(record.PID) {
			record.State = TaskStateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

// List returns every readable record, newest first. A missing root is an
// empty registry.
func (s *Store) List() ([]TaskRecord, error) {
	if strings.TrimSpace(s.root) == "" {
		return nil, fmt.Errorf("task registry root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks root: %w", err)
	}

	out := make([]TaskRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return taskSortTime(out[i]).After(taskSortTime(out[j]))
	})

	return out, nil
}

// Active returns the records still queued or running.
func (s *Store) Active() ([]TaskRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []TaskRecord
	for _, r := range all {
		if r.State == TaskStateQueued || r.State == TaskStateRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

// LatestForChunk returns the most recent chunk task for chunk n, or nil.
func (s *Store) LatestForChunk(n int) (*TaskRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Kind == TaskKindChunk && all[i].Chunk == n {
			return &all[i], nil
		}
	}
	return nil, nil
}

func taskSortTime(r TaskRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}

// RecordSubmitted writes a record for a task handed to a cluster scheduler.
func (s *Store) RecordSubmitted(kind TaskKind, chunk int, schedulerID string, command []string) (*TaskRecord, error) {
	now := time.Now().UTC()
	rec := &TaskRecord{
		TaskID:      uuid.New().String(),
		Kind:        kind,
		Chunk:       chunk,
		State:       TaskStateQueued,
		SchedulerID: schedulerID,
		Command:     command,
		CreatedAt:   now,
	}
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transition sets rec's state and persists it. Terminal states stamp EndedAt;
// running stamps StartedAt once.
func (s *Store) Transition(rec *TaskRecord, state TaskState) error {
	now := time.Now().UTC()
	rec.State = state
	rec.LastHeartbeat = &now
	if state == TaskStateRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if state.Terminal() {
		rec.EndedAt = &now
	}
	return s.Write(rec)
}
