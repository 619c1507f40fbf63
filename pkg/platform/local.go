package platform

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gorum/pkg/jobregistry"
)

// Spawner starts a local child task. *jobregistry.Executor implements it.
type Spawner interface {
	Start(ctx context.Context, kind jobregistry.TaskKind, chunk int, args []string) (*jobregistry.Handle, error)
}

// LocalOptions tune the Local backend.
type LocalOptions struct {
	// MaxParallel bounds concurrently running chunk processes; 0 runs every
	// pending chunk at once.
	MaxParallel int
	Logger      *zap.Logger
}

// Local runs everything on this machine. A single-chunk job runs in
// process; a multi-chunk job runs one child process per chunk.
type Local struct {
	Work      Work
	Chunks    int
	Spawner   Spawner
	ChildArgs func(chunk int) []string
	Options   LocalOptions
}

func (l *Local) Name() string { return "Local" }

func (l *Local) logger() *zap.Logger {
	if l.Options.Logger == nil {
		return zap.NewNop()
	}
	return l.Options.Logger
}

func (l *Local) Preprocess(ctx context.Context) error {
	return l.Work.Preprocess(ctx)
}

func (l *Local) Postprocess(ctx context.Context) error {
	return l.Work.Postprocess(ctx)
}

// StartParent is not offered locally: there is no queue to hand off to.
func (l *Local) StartParent(context.Context) error {
	return ErrNotSupported
}

func (l *Local) Process(ctx context.Context, chunk *int) error {
	if chunk != nil {
		return l.Work.RunChunk(ctx, *chunk)
	}

	pending := l.Work.PendingChunks()
	if len(pending) == 0 {
		l.logger().Info("All chunks already finished")
		return nil
	}
	if l.Chunks <= 1 || l.Spawner == nil {
		for _, n := range pending {
			if err := l.Work.RunChunk(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}
	return l.spawnAll(ctx, pending)
}

// spawnAll runs each pending chunk as a child process and waits for all of
// them. One failure does not stop the others; every failure is reported.
func (l *Local) spawnAll(ctx context.Context, pending []int) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	limit := l.Options.MaxParallel
	if limit <= 0 {
		limit = len(pending)
	}
	g.SetLimit(limit)

	l.logger().Info("Starting chunk processes", zap.Ints("chunks", pending), zap.Int("parallel", limit))

	for _, n := range pending {
		g.Go(func() error {
			err := l.runChild(ctx, n)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (l *Local) runChild(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := l.Spawner.Start(ctx, jobregistry.TaskKindChunk, n, l.ChildArgs(n))
	if err != nil {
		return fmt.Errorf("chunk %d: %w", n, err)
	}
	rec := h.Record()
	l.logger().Debug("Chunk process started", zap.Int("chunk", n), zap.Int("pid", rec.PID), zap.String("task_id", rec.TaskID))

	if err := h.Wait(); err != nil {
		return fmt.Errorf("chunk %d: %w", n, err)
	}
	if !l.Work.ChunkDone(n) {
		return fmt.Errorf("chunk %d: process exited without finishing (see %s)", n, rec.StderrPath)
	}
	l.logger().Info("Chunk finished", zap.Int("chunk", n))
	return nil
}
