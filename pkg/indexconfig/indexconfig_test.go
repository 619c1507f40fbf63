package indexconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := write(t, `
genome_fasta: genome.fa
gene_annotations: /abs/genes.txt
steps:
  preprocess:
    - name: index
      command: "true"
  process:
    - name: align
      command: "aligner {{.ChunkReads}}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "genome.fa"), cfg.GenomeFasta)
	assert.Equal(t, "/abs/genes.txt", cfg.GeneAnnotations)
	require.Len(t, cfg.Steps.Process, 1)
	assert.Equal(t, "align", cfg.Steps.Process[0].Name)
	assert.Empty(t, cfg.Steps.Postprocess)
	assert.Equal(t, path, cfg.Path())

	genome, err := GenomePath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.GenomeFasta, genome)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kind    error
	}{
		{name: "unknown field", content: "genome_fasta: g.fa\nbogus: 1\n", kind: errwrap.ErrEnvironment},
		{name: "missing genome", content: "steps:\n  process:\n    - name: a\n      command: b\n", kind: errwrap.ErrValidation},
		{name: "no process steps", content: "genome_fasta: g.fa\n", kind: errwrap.ErrValidation},
		{name: "step without command", content: "genome_fasta: g.fa\nsteps:\n  process:\n    - name: a\n", kind: errwrap.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, errwrap.ErrEnvironment)
}
