// Package jobconfig is the persisted, diffable record of a job's settings.
//
// Settings are saved under the job's control directory once they validate
// and are reloaded on every later invocation against the same output
// directory. New command-line input is merged onto the saved copy; a
// difference is a conflict unless the caller forces it.
package jobconfig

import (
	"path/filepath"
	"slices"
)

// Platform selects the execution backend.
type Platform string

const (
	PlatformLocal   Platform = "Local"
	PlatformCluster Platform = "Cluster"
)

const (
	// ControlDirName is the hidden directory holding settings, lock and task
	// records inside the output directory.
	ControlDirName = ".gorum"

	// SettingsFileName is the persisted settings file inside ControlDirName.
	SettingsFileName = "job_settings.yaml"

	// MaxNameLength bounds the sanitized job name.
	MaxNameLength = 250

	DefaultMinIdentity   = 93
	DefaultMaxInsertions = 1
)

// Settings is the typed job configuration.
//
// Tags: yaml for the persisted file, mapstructure for command-line
// overrides, json for validation error keys, diff for change detection.
type Settings struct {
	OutputDir   string   `yaml:"output_dir" mapstructure:"output_dir" json:"output_dir" diff:"output_dir"`
	Name        string   `yaml:"name" mapstructure:"name" json:"name" diff:"name"`
	IndexConfig string   `yaml:"rum_config_file" mapstructure:"rum_config_file" json:"rum_config_file" diff:"rum_config_file"`
	Reads       []string `yaml:"reads" mapstructure:"reads" json:"reads" diff:"-"`

	Chunks   int      `yaml:"chunks" mapstructure:"chunks" json:"chunks" diff:"chunks"`
	Platform Platform `yaml:"platform" mapstructure:"platform" json:"platform" diff:"platform"`

	// RAM is gigabytes per chunk. RAMOK records that sizing was checked.
	RAM   float64 `yaml:"ram,omitempty" mapstructure:"ram" json:"ram" diff:"ram"`
	RAMOK bool    `yaml:"ram_ok,omitempty" mapstructure:"ram_ok" json:"ram_ok" diff:"ram_ok"`

	MinIdentity   int `yaml:"min_identity" mapstructure:"min_identity" json:"min_identity" diff:"min_identity"`
	MinLength     int `yaml:"min_length,omitempty" mapstructure:"min_length" json:"min_length" diff:"min_length"`
	MaxInsertions int `yaml:"max_insertions" mapstructure:"max_insertions" json:"max_insertions" diff:"max_insertions"`
	NULimit       int `yaml:"nu_limit,omitempty" mapstructure:"nu_limit" json:"nu_limit" diff:"nu_limit"`
	MaxIntron     int `yaml:"max_intron,omitempty" mapstructure:"max_intron" json:"max_intron" diff:"max_intron"`

	Quantify            bool `yaml:"quantify,omitempty" mapstructure:"quantify" json:"quantify" diff:"quantify"`
	Junctions           bool `yaml:"junctions,omitempty" mapstructure:"junctions" json:"junctions" diff:"junctions"`
	StrandSpecific      bool `yaml:"strand_specific,omitempty" mapstructure:"strand_specific" json:"strand_specific" diff:"strand_specific"`
	DNA                 bool `yaml:"dna,omitempty" mapstructure:"dna" json:"dna" diff:"dna"`
	GenomeOnly          bool `yaml:"genome_only,omitempty" mapstructure:"genome_only" json:"genome_only" diff:"genome_only"`
	VariableLengthReads bool `yaml:"variable_length_reads,omitempty" mapstructure:"variable_length_reads" json:"variable_length_reads" diff:"variable_length_reads"`
	CountMismatches     bool `yaml:"count_mismatches,omitempty" mapstructure:"count_mismatches" json:"count_mismatches" diff:"count_mismatches"`
	PreserveNames       bool `yaml:"preserve_names,omitempty" mapstructure:"preserve_names" json:"preserve_names" diff:"preserve_names"`

	AltGenes string `yaml:"alt_genes,omitempty" mapstructure:"alt_genes" json:"alt_genes" diff:"alt_genes"`
	AltQuant string `yaml:"alt_quant,omitempty" mapstructure:"alt_quant" json:"alt_quant" diff:"alt_quant"`
}

// New returns fresh settings for outputDir with defaults applied.
func New(outputDir string) *Settings {
	s := &Settings{OutputDir: outputDir}
	s.ApplyDefaults()
	return s
}

// ApplyDefaults fills zero-valued optional fields.
func (s *Settings) ApplyDefaults() {
	if s.Chunks == 0 {
		s.Chunks = 1
	}
	if s.Platform == "" {
		s.Platform = PlatformLocal
	}
	if s.MinIdentity == 0 {
		s.MinIdentity = DefaultMinIdentity
	}
	if s.MaxInsertions == 0 {
		s.MaxInsertions = DefaultMaxInsertions
	}
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Reads = slices.Clone(s.Reads)
	return &c
}

// Paired reports whether the job has two read files.
func (s *Settings) Paired() bool {
	return len(s.Reads) == 2
}

// ChunkCount is Chunks with a floor of one.
func (s *Settings) ChunkCount() int {
	return max(s.Chunks, 1)
}

// ShouldQuantify reports whether feature quantification runs. DNA mode
// skips it unless explicitly requested.
func (s *Settings) ShouldQuantify() bool {
	return !s.DNA || s.Quantify
}

// ShouldCallJunctions reports whether junction calling runs.
func (s *Settings) ShouldCallJunctions() bool {
	return !s.DNA || s.Junctions || s.GenomeOnly
}

// ControlDir returns the control directory for an output directory.
func ControlDir(outputDir string) string {
	return filepath.Join(outputDir, ControlDirName)
}

// SettingsPath returns the persisted settings path for an output directory.
func SettingsPath(outputDir string) string {
	return filepath.Join(ControlDir(outputDir), SettingsFileName)
}
