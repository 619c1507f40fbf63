// Package verify decides whether a finished job is complete and removes
// intermediate files once it is.
package verify

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/pipeline"
)

// Core result files every job produces.
var coreFiles = []string{"RUM_Unique", "RUM_NU", "RUM.sam", "mapping_stats.txt"}

// Junction files produced when junction calling runs.
var junctionFiles = []string{"junctions_all.rum", "junctions_all.bed", "junctions_high-quality.bed"}

// Problem is one reason a job is incomplete.
type Problem struct {
	Path   string
	Reason string
}

func (p Problem) String() string {
	return p.Path + ": " + p.Reason
}

// Report lists every problem found.
type Report struct {
	Checked  []string
	Problems []Problem
}

// OK reports whether verification passed.
func (r *Report) OK() bool {
	return r != nil && len(r.Problems) == 0
}

// Err returns an ErrVerification error listing the problems, or nil.
func (r *Report) Err() error {
	if r == nil || len(r.Problems) == 0 {
		return nil
	}
	lines := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		lines = append(lines, "  - "+p.String())
	}
	return errwrap.New(errwrap.KindVerification,
		fmt.Sprintf("job output is incomplete:\n%s", strings.Join(lines, "\n")), nil).
		WithHint("intermediate files were kept; inspect the chunk error logs and rerun the failed phase")
}

// RequiredFiles lists the result files s must produce, relative to the
// output directory.
func RequiredFiles(s *jobconfig.Settings) []string {
	out := append([]string(nil), coreFiles...)
	if s.ShouldQuantify() {
		out = append(out, "feature_quantifications_"+s.Name)
		if s.AltQuant != "" {
			out = append(out, "feature_quantifications_"+s.Name+".altquant")
		}
	}
	if s.ShouldCallJunctions() {
		out = append(out, junctionFiles...)
	}
	return out
}

// Verifier checks a job's outputs.
type Verifier struct{}

// Verify checks that every chunk error log is absent or empty and every
// required file exists and ends with a newline.
func (Verifier) Verify(s *jobconfig.Settings) *Report {
	layout := pipeline.Layout{OutputDir: s.OutputDir}
	r := &Report{}

	for n := 1; n <= s.ChunkCount(); n++ {
		path := layout.ChunkErrorLog(n)
		r.Checked = append(r.Checked, path)
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			r.Problems = append(r.Problems, Problem{Path: path, Reason: err.Error()})
		case info.Size() > 0:
			r.Problems = append(r.Problems, Problem{Path: path, Reason: fmt.Sprintf("chunk %d logged errors", n)})
		}
	}

	for _, name := range RequiredFiles(s) {
		path := filepath.Join(s.OutputDir, name)
		r.Checked = append(r.Checked, path)
		if reason := checkTerminated(path); reason != "" {
			r.Problems = append(r.Problems, Problem{Path: path, Reason: reason})
		}
	}
	return r
}

// checkTerminated returns why path is not a complete file, or "". An empty
// file is complete; a non-empty one must end with a newline.
func checkTerminated(path string) string {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "missing"
		}
		return err.Error()
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err.Error()
	}
	if info.IsDir() {
		return "is a directory"
	}
	if info.Size() == 0 {
		return ""
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return err.Error()
	}
	if !bytes.Equal(last, []byte{'\n'}) {
		return "does not end with a newline (truncated?)"
	}
	return ""
}
