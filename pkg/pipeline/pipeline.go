package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gorum/pkg/indexconfig"
	"github.com/3leaps/gorum/pkg/jobconfig"
)

// Pipeline runs the three phases of one job.
type Pipeline struct {
	Settings *jobconfig.Settings
	Index    *indexconfig.Config
	Layout   Layout
	Runner   Runner
	Logger   *zap.Logger
}

// New builds a pipeline for s with steps from idx.
func New(s *jobconfig.Settings, idx *indexconfig.Config, runner Runner, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Settings: s,
		Index:    idx,
		Layout:   Layout{OutputDir: s.OutputDir},
		Runner:   runner,
		Logger:   logger,
	}
}

func (p *Pipeline) data(chunk int) StepData {
	d := StepData{
		OutputDir:   p.Settings.OutputDir,
		Name:        p.Settings.Name,
		Chunk:       chunk,
		Chunks:      p.Settings.ChunkCount(),
		Reads:       p.Settings.Reads,
		Genome:      p.Index.GenomeFasta,
		Annotations: p.Index.GeneAnnotations,
		Settings:    p.Settings,
	}
	if chunk > 0 {
		d.ChunkDir = p.Layout.ChunkDir(chunk)
		for r := range p.Settings.Reads {
			d.ChunkReads = append(d.ChunkReads, p.Layout.ChunkReads(r+1, chunk))
		}
	}
	return d
}

// Preprocess splits the reads into chunk slices and runs preprocess steps.
func (p *Pipeline) Preprocess(ctx context.Context) error {
	start := time.Now()
	_ = os.Remove(p.Layout.PreprocessMarker())

	for _, dir := range []string{p.Layout.ChunksDir(), p.Layout.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	n := p.Settings.ChunkCount()
	var counts []int
	for i, src := range p.Settings.Reads {
		r := i + 1
		count, err := SplitReads(ctx, src, n, func(chunk int) string { return p.Layout.ChunkReads(r, chunk) })
		if err != nil {
			return fmt.Errorf("split reads %s: %w", src, err)
		}
		counts = append(counts, count)
	}
	if len(counts) == 2 && counts[0] != counts[1] {
		return fmt.Errorf("paired read files have different record counts (%d and %d)", counts[0], counts[1])
	}

	if err := p.runSteps(ctx, p.Index.Steps.Preprocess, p.data(0), p.Layout.PreprocessLog(), false); err != nil {
		return err
	}
	if err := touch(p.Layout.PreprocessMarker()); err != nil {
		return err
	}

	p.Logger.Info("Preprocess complete",
		zap.Ints("records", counts),
		zap.Int("chunks", n),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Preprocessed reports whether preprocess finished.
func (p *Pipeline) Preprocessed() bool {
	return exists(p.Layout.PreprocessMarker())
}

// RunChunk runs the process steps for chunk n (1-based). Its error log is
// truncated first; a done marker is written on success.
func (p *Pipeline) RunChunk(ctx context.Context, n int) error {
	if n < 1 || n > p.Settings.ChunkCount() {
		return fmt.Errorf("chunk %d out of range 1..%d", n, p.Settings.ChunkCount())
	}
	data := p.data(n)
	for _, in := range data.ChunkReads {
		if !exists(in) {
			return fmt.Errorf("chunk %d input %s is missing; preprocess has not run", n, in)
		}
	}

	_ = os.Remove(p.Layout.ChunkDoneMarker(n))
	if err := os.MkdirAll(data.ChunkDir, 0755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	start := time.Now()
	if err := p.runSteps(ctx, p.Index.Steps.Process, data, p.Layout.ChunkErrorLog(n), true); err != nil {
		return fmt.Errorf("chunk %d: %w", n, err)
	}
	if err := touch(p.Layout.ChunkDoneMarker(n)); err != nil {
		return err
	}

	p.Logger.Info("Chunk complete", zap.Int("chunk", n), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ChunkDone reports whether chunk n finished successfully.
func (p *Pipeline) ChunkDone(n int) bool {
	return exists(p.Layout.ChunkDoneMarker(n))
}

// PendingChunks lists chunks without a done marker, ascending.
func (p *Pipeline) PendingChunks() []int {
	var out []int
	for n := 1; n <= p.Settings.ChunkCount(); n++ {
		if !p.ChunkDone(n) {
			out = append(out, n)
		}
	}
	return out
}

// Postprocess merges chunk results. Every chunk must be done.
func (p *Pipeline) Postprocess(ctx context.Context) error {
	if pending := p.PendingChunks(); len(pending) > 0 {
		return fmt.Errorf("cannot postprocess: chunks %v have not finished", pending)
	}
	start := time.Now()
	if err := p.runSteps(ctx, p.Index.Steps.Postprocess, p.data(0), p.Layout.PostprocessLog(), false); err != nil {
		return err
	}
	p.Logger.Info("Postprocess complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) runSteps(ctx context.Context, steps []indexconfig.Step, data StepData, logPath string, truncate bool) error {
	if err := os.MkdirAll(p.Layout.LogDir(), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(logPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", logPath, err)
	}
	defer func() { _ = f.Close() }()

	return runAll(ctx, p.Runner, steps, data, f)
}

func runAll(ctx context.Context, runner Runner, steps []indexconfig.Step, data StepData, errLog io.Writer) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runner.Run(ctx, step, data, errLog); err != nil {
			return err
		}
	}
	return nil
}
