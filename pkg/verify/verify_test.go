package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/pipeline"
)

func completeJob(t *testing.T, chunks int) *jobconfig.Settings {
	t.Helper()
	s := jobconfig.New(t.TempDir())
	s.Name = "sample"
	s.Chunks = chunks
	for _, name := range RequiredFiles(s) {
		require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir, name), []byte("ok\n"), 0644))
	}
	return s
}

func TestRequiredFiles(t *testing.T) {
	s := jobconfig.New("/out")
	s.Name = "x"
	assert.Contains(t, RequiredFiles(s), "feature_quantifications_x")
	assert.Contains(t, RequiredFiles(s), "junctions_all.bed")
	assert.NotContains(t, RequiredFiles(s), "feature_quantifications_x.altquant")

	s.AltQuant = "/alt.txt"
	assert.Contains(t, RequiredFiles(s), "feature_quantifications_x.altquant")

	s.DNA = true
	assert.Equal(t, coreFiles, RequiredFiles(s))
}

func TestVerify_Complete(t *testing.T) {
	s := completeJob(t, 2)
	layout := pipeline.Layout{OutputDir: s.OutputDir}
	require.NoError(t, os.MkdirAll(layout.LogDir(), 0755))
	require.NoError(t, os.WriteFile(layout.ChunkErrorLog(1), nil, 0644))

	// An empty result file passes.
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir, "RUM_NU"), nil, 0644))

	r := Verifier{}.Verify(s)
	assert.True(t, r.OK())
	assert.NoError(t, r.Err())
	assert.NotEmpty(t, r.Checked)
}

func TestVerify_NonEmptyChunkLog(t *testing.T) {
	s := completeJob(t, 3)
	layout := pipeline.Layout{OutputDir: s.OutputDir}
	require.NoError(t, os.MkdirAll(layout.LogDir(), 0755))
	require.NoError(t, os.WriteFile(layout.ChunkErrorLog(2), []byte("segfault\n"), 0644))

	r := Verifier{}.Verify(s)
	require.False(t, r.OK())
	require.Len(t, r.Problems, 1)
	assert.Equal(t, layout.ChunkErrorLog(2), r.Problems[0].Path)

	err := r.Err()
	assert.ErrorIs(t, err, errwrap.ErrVerification)
	assert.Contains(t, err.Error(), "errors_2.log")
	assert.NotEmpty(t, errwrap.HintOf(err))
}

func TestVerify_TruncatedAndMissing(t *testing.T) {
	s := completeJob(t, 1)
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir, "RUM.sam"), []byte("partial line"), 0644))
	require.NoError(t, os.Remove(filepath.Join(s.OutputDir, "mapping_stats.txt")))

	r := Verifier{}.Verify(s)
	require.Len(t, r.Problems, 2)
	reasons := map[string]string{}
	for _, p := range r.Problems {
		reasons[filepath.Base(p.Path)] = p.Reason
	}
	assert.Equal(t, "missing", reasons["mapping_stats.txt"])
	assert.Contains(t, reasons["RUM.sam"], "newline")
}

func TestGlobCleaner(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"chunks/1/.done", "chunks/reads_1.1", "a.tmp", "log/x.tmp", "RUM.sam", "log/errors_1.log"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("x\n"), 0644))
	}

	removed, err := (&GlobCleaner{}).Clean(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tmp", "chunks", "log/x.tmp"}, removed)

	assert.NoDirExists(t, filepath.Join(dir, "chunks"))
	assert.NoFileExists(t, filepath.Join(dir, "a.tmp"))
	assert.FileExists(t, filepath.Join(dir, "RUM.sam"))
	assert.FileExists(t, filepath.Join(dir, "log", "errors_1.log"))

	removed, err = (&GlobCleaner{}).Clean(dir)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestGlobCleaner_NeverTouchesControlDir(t *testing.T) {
	dir := t.TempDir()
	control := []string{
		".gorum/job_settings.yaml",
		".gorum/job_settings.yaml.tmp",
		".gorum/tasks/abc/task.json.tmp",
		".gorum/tasks/abc/task.json",
	}
	for _, p := range append(control, "chunks/x.tmp", "out.tmp") {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("x\n"), 0644))
	}

	matches, err := Matches(dir, []string{"**/*.tmp", ".gorum", "**"})
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotContains(t, m, ".gorum", "control files are never candidates")
	}

	removed, err := (&GlobCleaner{}).Clean(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks", "out.tmp"}, removed)
	for _, p := range control {
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(p)))
	}
}
