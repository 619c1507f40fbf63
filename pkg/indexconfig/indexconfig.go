// Package indexconfig reads the index description a job points at with
// rum_config_file: where the genome and annotations live, and the external
// commands that make up each pipeline phase.
package indexconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

// Step is one external command. Command is a text/template rendered with
// the pipeline's step data.
type Step struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

func (s Step) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.Command, validation.Required),
	)
}

// Steps groups commands by phase.
type Steps struct {
	Preprocess  []Step `yaml:"preprocess" json:"preprocess"`
	Process     []Step `yaml:"process" json:"process"`
	Postprocess []Step `yaml:"postprocess" json:"postprocess"`
}

// Config is a parsed index config. Relative paths are resolved against the
// directory of the file they came from.
type Config struct {
	GenomeFasta     string `yaml:"genome_fasta" json:"genome_fasta"`
	GeneAnnotations string `yaml:"gene_annotations,omitempty" json:"gene_annotations"`
	Steps           Steps  `yaml:"steps" json:"steps"`

	path string
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Load reads and validates the index config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errwrap.WrapEnvironment(err, "read index config "+path)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errwrap.WrapEnvironment(err, "parse index config "+path)
	}

	base := filepath.Dir(path)
	cfg.path = path
	cfg.GenomeFasta = resolve(base, cfg.GenomeFasta)
	cfg.GeneAnnotations = resolve(base, cfg.GeneAnnotations)

	if err := cfg.Validate(); err != nil {
		return nil, errwrap.New(errwrap.KindValidation, fmt.Sprintf("index config %s", path), err)
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.GenomeFasta, validation.Required),
		validation.Field(&c.Steps),
	)
}

func (s Steps) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Process, validation.Required.Error("at least one process step is required")),
		validation.Field(&s.Preprocess),
		validation.Field(&s.Postprocess),
	)
}

// GenomePath loads the index config at path and returns its genome FASTA.
func GenomePath(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.GenomeFasta, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
