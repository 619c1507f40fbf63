package verify

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/pkg/jobconfig"
)

// DefaultCleanPatterns are the intermediates removed after a verified run.
var DefaultCleanPatterns = []string{"chunks", "*.tmp", "**/*.tmp"}

// protectedPatterns are never matched, whatever the clean patterns say:
// the control directory holds the settings, the lock and task records.
var protectedPatterns = []string{jobconfig.ControlDirName, jobconfig.ControlDirName + "/**"}

// Cleaner removes intermediate files from an output directory.
type Cleaner interface {
	Clean(outputDir string) ([]string, error)
}

// GlobCleaner removes every path under the output directory matching one of
// Patterns (doublestar syntax, relative to the output directory).
type GlobCleaner struct {
	Patterns []string
	Logger   *zap.Logger
}

// Clean removes the matches and returns them, sorted.
func (c *GlobCleaner) Clean(outputDir string) ([]string, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := c.Patterns
	if len(patterns) == 0 {
		patterns = DefaultCleanPatterns
	}

	matches, err := Matches(outputDir, patterns)
	if err != nil {
		return nil, err
	}
	for _, rel := range matches {
		if err := os.RemoveAll(filepath.Join(outputDir, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
		logger.Debug("Removed intermediate", zap.String("path", rel))
	}
	if len(matches) > 0 {
		logger.Info("Cleaned intermediate files", zap.Int("removed", len(matches)))
	}
	return matches, nil
}

// Matches lists the slash-separated paths under outputDir matching any
// pattern. Nested matches inside a matched directory are dropped, and the
// control directory is never listed.
func Matches(outputDir string, patterns []string) ([]string, error) {
	fsys := os.DirFS(outputDir)
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range found {
			if !protected(m) {
				seen[m] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for m := range seen {
		if !coveredByParent(m, seen) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func coveredByParent(p string, set map[string]bool) bool {
	for dir := filepath.ToSlash(filepath.Dir(p)); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(dir)) {
		if set[dir] {
			return true
		}
	}
	return false
}

func protected(p string) bool {
	for _, pattern := range protectedPatterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
