package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gorum/pkg/jobregistry"
)

// TaskRecorder persists scheduler tasks. *jobregistry.Store implements it.
type TaskRecorder interface {
	RecordSubmitted(kind jobregistry.TaskKind, chunk int, schedulerID string, command []string) (*jobregistry.TaskRecord, error)
	Transition(rec *jobregistry.TaskRecord, state jobregistry.TaskState) error
}

// ClusterOptions tune the Cluster backend.
type ClusterOptions struct {
	// PollInterval paces status rounds; defaults to 30s.
	PollInterval time.Duration
	// MaxStatusErrors is how many consecutive failed status calls a task
	// tolerates before it is treated as lost; defaults to 5.
	MaxStatusErrors int
	Logger          *zap.Logger
}

// Cluster submits work to a batch scheduler. Preprocess and postprocess
// run where the coordinator runs; each chunk is its own scheduler task.
type Cluster struct {
	Work       Work
	Role       Role
	JobName    string
	Chunks     int
	OutputDir  string
	Submitter  Submitter
	Tasks      TaskRecorder
	ChildArgv  func(chunk int) []string
	ParentArgv func() []string
	Options    ClusterOptions
}

func (c *Cluster) Name() string { return "Cluster" }

func (c *Cluster) logger() *zap.Logger {
	if c.Options.Logger == nil {
		return zap.NewNop()
	}
	return c.Options.Logger
}

func (c *Cluster) Preprocess(ctx context.Context) error {
	return c.Work.Preprocess(ctx)
}

func (c *Cluster) Postprocess(ctx context.Context) error {
	return c.Work.Postprocess(ctx)
}

// StartParent submits a coordinator task that runs the job end to end.
func (c *Cluster) StartParent(ctx context.Context) error {
	argv := c.ParentArgv()
	id, err := c.Submitter.Submit(ctx, Task{
		Name:    c.taskName("parent"),
		Command: argv,
		Stdout:  filepath.Join(c.OutputDir, "log", "parent.out"),
		Stderr:  filepath.Join(c.OutputDir, "log", "parent.err"),
	})
	if err != nil {
		return err
	}
	if c.Tasks != nil {
		if _, err := c.Tasks.RecordSubmitted(jobregistry.TaskKindCoordinator, 0, id, argv); err != nil {
			c.logger().Warn("Failed to record coordinator task", zap.String("id", id), zap.Error(err))
		}
	}
	c.logger().Info("Submitted coordinator", zap.String("scheduler_id", id))
	return nil
}

// Process runs a worker's chunk directly. A coordinator (or standalone)
// submits one task per pending chunk and waits for all of them.
func (c *Cluster) Process(ctx context.Context, chunk *int) error {
	if chunk != nil {
		return c.Work.RunChunk(ctx, *chunk)
	}
	if c.Role.IsWorker() {
		return c.Work.RunChunk(ctx, c.Role.Chunk)
	}

	pending := c.Work.PendingChunks()
	if len(pending) == 0 {
		c.logger().Info("All chunks already finished")
		return nil
	}

	tasks := make([]*clusterTask, 0, len(pending))
	for _, n := range pending {
		t, err := c.submitChunk(ctx, n)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	return c.await(ctx, tasks)
}

type clusterTask struct {
	chunk  int
	id     string
	record *jobregistry.TaskRecord
	done   bool
	err    error
	misses int
}

func (c *Cluster) submitChunk(ctx context.Context, n int) (*clusterTask, error) {
	argv := c.ChildArgv(n)
	id, err := c.Submitter.Submit(ctx, Task{
		Name:    c.taskName(fmt.Sprintf("chunk%d", n)),
		Command: argv,
		Stdout:  filepath.Join(c.OutputDir, "log", fmt.Sprintf("chunk_%d.out", n)),
		Stderr:  filepath.Join(c.OutputDir, "log", fmt.Sprintf("chunk_%d.err", n)),
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", n, err)
	}
	t := &clusterTask{chunk: n, id: id}
	if c.Tasks != nil {
		rec, err := c.Tasks.RecordSubmitted(jobregistry.TaskKindChunk, n, id, argv)
		if err != nil {
			c.logger().Warn("Failed to record chunk task", zap.Int("chunk", n), zap.Error(err))
		}
		t.record = rec
	}
	return t, nil
}

// await polls until every task has left the scheduler. A task that leaves
// without its chunk's done marker has failed.
func (c *Cluster) await(ctx context.Context, tasks []*clusterTask) error {
	interval := c.Options.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxMisses := c.Options.MaxStatusErrors
	if maxMisses <= 0 {
		maxMisses = 5
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	remaining := len(tasks)
	for remaining > 0 {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		for _, t := range tasks {
			if t.done {
				continue
			}
			status, err := c.Submitter.Status(ctx, t.id)
			if err != nil {
				t.misses++
				c.logger().Warn("Status check failed", zap.Int("chunk", t.chunk), zap.String("id", t.id), zap.Error(err))
				if t.misses < maxMisses {
					continue
				}
				t.err = fmt.Errorf("chunk %d: lost track of task %s: %w", t.chunk, t.id, err)
			} else {
				t.misses = 0
				if status == StatusRunning {
					c.transition(t, jobregistry.TaskStateRunning)
					continue
				}
				if !c.Work.ChunkDone(t.chunk) {
					t.err = fmt.Errorf("chunk %d: task %s finished without completing the chunk", t.chunk, t.id)
				}
			}

			t.done = true
			remaining--
			if t.err != nil {
				c.transition(t, jobregistry.TaskStateFailed)
				c.logger().Error("Chunk failed", zap.Int("chunk", t.chunk), zap.Error(t.err))
			} else {
				c.transition(t, jobregistry.TaskStateSuccess)
				c.logger().Info("Chunk finished", zap.Int("chunk", t.chunk), zap.Int("remaining", remaining))
			}
		}
	}

	var errs error
	for _, t := range tasks {
		errs = multierr.Append(errs, t.err)
	}
	return errs
}

func (c *Cluster) transition(t *clusterTask, state jobregistry.TaskState) {
	if c.Tasks == nil || t.record == nil || t.record.State == state {
		return
	}
	if err := c.Tasks.Transition(t.record, state); err != nil {
		c.logger().Warn("Failed to update task record", zap.Int("chunk", t.chunk), zap.Error(err))
	}
}

func (c *Cluster) taskName(suffix string) string {
	name := c.JobName
	if name == "" {
		name = "gorum"
	}
	return name + "_" + suffix
}
