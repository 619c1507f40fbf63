package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/directive"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/joblock"
)

func parseAlignFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	alignPhases = directive.Set{}
	fs := pflag.NewFlagSet("align", pflag.ContinueOnError)
	registerAlignFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestCollectOverrides_OnlyGivenFlags(t *testing.T) {
	fs := parseAlignFlags(t, "-o", "out", "--name", "my sample", "--chunks", "4", "--dna", "r1.fq", "r2.fq")

	got := collectOverrides(fs, fs.Args(), zap.NewNop())
	assert.Equal(t, map[string]any{
		"name":   "my_sample",
		"chunks": "4",
		"dna":    "true",
		"reads":  []string{"r1.fq", "r2.fq"},
	}, got)
}

func TestCollectOverrides_NothingGiven(t *testing.T) {
	fs := parseAlignFlags(t, "-o", "out")
	assert.Empty(t, collectOverrides(fs, fs.Args(), zap.NewNop()))
}

func TestPhaseFlags_LastOneWins(t *testing.T) {
	parseAlignFlags(t, "--process", "--postprocess")
	assert.Equal(t, []directive.Phase{directive.PhasePostprocess}, alignPhases.Selected())

	parseAlignFlags(t, "--preprocess", "--all")
	assert.True(t, alignPhases.All())
	assert.Len(t, alignPhases.Selected(), 3)

	parseAlignFlags(t)
	assert.True(t, alignPhases.Empty())
}

func TestDirectives_Roles(t *testing.T) {
	parseAlignFlags(t, "--child", "--process", "--chunk", "3", "--no-clean")
	d, err := directives()
	require.NoError(t, err)
	assert.True(t, d.Child())
	assert.True(t, d.Process())
	assert.True(t, d.NoClean())
	assert.Equal(t, 3, alignChunk)

	parseAlignFlags(t, "--child", "--parent")
	_, err = directives()
	assert.ErrorIs(t, err, errwrap.ErrUsage)
}

// resetCommandFlags restores every flag of the command tree to its default
// so rootCmd can be executed more than once per test binary.
func resetCommandFlags() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
	// pflag's Visit still reports flags set by an earlier Execute even after
	// Changed is cleared, so give align a fresh flag set.
	alignCmd.ResetFlags()
	registerAlignFlags(alignCmd.Flags())
	alignPhases = directive.Set{}
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// alignFixture writes reads and an index config whose steps produce a
// complete set of core result files.
func alignFixture(t *testing.T) (outputDir, indexConfig, reads string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GORUM_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("GORUM_OUTPUT_DIR", "")

	reads = filepath.Join(dir, "reads.fq")
	require.NoError(t, os.WriteFile(reads, []byte("@r1\nACGT\n+\n@@@@\n@r2\nTTGA\n+\n@@@@\n"), 0644))

	indexConfig = filepath.Join(dir, "index.yaml")
	require.NoError(t, os.WriteFile(indexConfig, []byte(`genome_fasta: genome.fa
steps:
  process:
    - name: align
      command: "cp {{index .ChunkReads 0}} {{.ChunkDir}}/aligned"
  postprocess:
    - name: merge
      command: "sh -c 'for f in RUM_Unique RUM_NU RUM.sam mapping_stats.txt; do echo ok > $f; done'"
`), 0644))

	return filepath.Join(dir, "out"), indexConfig, reads
}

func TestAlign_FreshThenResumed(t *testing.T) {
	out, index, reads := alignFixture(t)
	args := []string{"align", "-o", out, "--name", "sample", "--index-config", index, "--dna", "--ram", "6", reads}

	stdout, err := executeRoot(t, args...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "sample: verified")

	assert.FileExists(t, filepath.Join(out, "RUM.sam"))
	assert.NoDirExists(t, filepath.Join(out, "chunks"), "intermediate files are cleaned")
	assert.NoFileExists(t, joblock.Path(out))
	assert.FileExists(t, filepath.Join(out, "log", "gorum.log"))

	saved, err := jobconfig.Load(out)
	require.NoError(t, err)
	assert.Equal(t, []string{reads}, saved.Reads)
	assert.True(t, saved.DNA)

	stdout, err = executeRoot(t, args...)
	require.NoError(t, err, "identical arguments resume without conflict")
	assert.Contains(t, stdout, "sample: verified")

	stdout, err = executeRoot(t, "align", "-o", out, "--no-clean")
	require.NoError(t, err, "saved settings are enough to resume")
	assert.Contains(t, stdout, "sample: verified")
	assert.DirExists(t, filepath.Join(out, "chunks"))
}

func TestAlign_ConflictNeedsForce(t *testing.T) {
	out, index, reads := alignFixture(t)
	_, err := executeRoot(t, "align", "-o", out, "--name", "sample", "--index-config", index, "--dna", "--ram", "6", reads)
	require.NoError(t, err)

	_, err = executeRoot(t, "align", "-o", out, "--chunks", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, errwrap.ErrConfigConflict)
	assert.Equal(t, int(foundry.ExitInvalidArgument), exitCodeFor(err))

	_, err = executeRoot(t, "align", "-o", out, "--chunks", "2", "--force", "--preprocess")
	require.NoError(t, err)
	saved, err := jobconfig.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Chunks)
}

func TestAlign_LockHeld(t *testing.T) {
	out, index, reads := alignFixture(t)
	lock, err := joblock.Acquire(joblock.Path(out))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = executeRoot(t, "align", "-o", out, "--name", "sample", "--index-config", index, "--ram", "6", reads)
	require.Error(t, err)
	assert.ErrorIs(t, err, errwrap.ErrLockHeld)
	assert.Contains(t, err.Error(), joblock.Path(out))
	assert.Equal(t, int(foundry.ExitFileWriteError), exitCodeFor(err))
}

func TestAlign_UsageErrors(t *testing.T) {
	_, _, reads := alignFixture(t)

	_, err := executeRoot(t, "align", reads)
	assert.ErrorIs(t, err, errwrap.ErrUsage)

	_, err = executeRoot(t, "align", "-o", t.TempDir(), "a.fq", "b.fq", "c.fq")
	assert.Error(t, err)

	_, err = executeRoot(t, "align", "-o", t.TempDir(), "--ram-policy", "sometimes", reads)
	assert.ErrorIs(t, err, errwrap.ErrUsage)
}
