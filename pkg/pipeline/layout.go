// Package pipeline maps a job onto files and external commands: where chunk
// inputs and logs live, how reads are split, and how phase steps run.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/gorum/pkg/jobconfig"
)

// Layout resolves paths inside a job's output directory.
//
//	<out>/chunks/reads_<r>.<n>     read file r split for chunk n
//	<out>/chunks/<n>/              chunk working directory
//	<out>/chunks/<n>/.done         chunk completion marker
//	<out>/log/errors_<n>.log       stderr of chunk n's steps
//	<out>/log/{pre,post}process.log
//	<out>/.gorum/preprocess.done
type Layout struct {
	OutputDir string
}

func (l Layout) ChunksDir() string {
	return filepath.Join(l.OutputDir, "chunks")
}

func (l Layout) LogDir() string {
	return filepath.Join(l.OutputDir, "log")
}

// ChunkReads is read file r (1-based) sliced for chunk n.
func (l Layout) ChunkReads(r, n int) string {
	return filepath.Join(l.ChunksDir(), fmt.Sprintf("reads_%d.%d", r, n))
}

func (l Layout) ChunkDir(n int) string {
	return filepath.Join(l.ChunksDir(), fmt.Sprintf("%d", n))
}

func (l Layout) ChunkDoneMarker(n int) string {
	return filepath.Join(l.ChunkDir(n), ".done")
}

// ChunkErrorLog collects stderr of chunk n. A non-empty file means the
// chunk reported errors.
func (l Layout) ChunkErrorLog(n int) string {
	return filepath.Join(l.LogDir(), fmt.Sprintf("errors_%d.log", n))
}

func (l Layout) PreprocessLog() string {
	return filepath.Join(l.LogDir(), "preprocess.log")
}

func (l Layout) PostprocessLog() string {
	return filepath.Join(l.LogDir(), "postprocess.log")
}

func (l Layout) PreprocessMarker() string {
	return filepath.Join(jobconfig.ControlDir(l.OutputDir), "preprocess.done")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}
