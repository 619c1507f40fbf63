package jobconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/multierr"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

// ValidationError is a single settings problem.
type ValidationError struct {
	// Key is the settings key (e.g. "reads").
	Key string

	// Message describes the problem.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Key == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// ValidationErrors is every problem found in one validation pass.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("settings validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the taxonomy sentinel.
func (e ValidationErrors) Unwrap() error {
	return errwrap.ErrValidation
}

// Keys returns the offending keys in report order.
func (e ValidationErrors) Keys() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Key)
	}
	return out
}

// Validate checks s in one pass and returns a ValidationErrors listing every
// problem, or nil. Cross-file checks (readable inputs) run only when the
// structural checks pass.
func Validate(s *Settings) error {
	if s == nil {
		return ValidationErrors{{Message: "settings are missing"}}
	}

	problems := structural(s)
	problems = append(problems, exclusive(s)...)
	if len(problems) == 0 {
		problems = append(problems, crossFile(s)...)
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

func structural(s *Settings) ValidationErrors {
	err := validation.ValidateStruct(s,
		validation.Field(&s.OutputDir,
			validation.Required.Error("is required (--output)"),
			validation.By(absolutePath)),
		validation.Field(&s.Name,
			validation.Required.Error("is required (--name)"),
			validation.Length(1, MaxNameLength),
			validation.Match(validName).Error("may contain only letters, digits, '.', '_' and '-' and must start and end with a letter or digit")),
		validation.Field(&s.IndexConfig,
			validation.Required.Error("is required (--index-config)")),
		validation.Field(&s.Reads,
			validation.Required.Error("one or two read files are required"),
			validation.Length(1, 2).Error("one or two read files are required"),
			validation.By(distinctReads)),
		validation.Field(&s.Chunks,
			validation.Required.Error("must be at least 1"),
			validation.Min(1).Error("must be at least 1")),
		validation.Field(&s.Platform,
			validation.Required,
			validation.In(PlatformLocal, PlatformCluster).Error("must be Local or Cluster")),
		validation.Field(&s.RAM,
			validation.Min(0.0).Error("must not be negative")),
		validation.Field(&s.MinIdentity,
			validation.Min(0), validation.Max(100)),
		validation.Field(&s.MinLength,
			validation.When(s.MinLength != 0, validation.Min(10).Error("must be at least 10"))),
		validation.Field(&s.MaxInsertions,
			validation.Min(0).Error("must not be negative")),
		validation.Field(&s.NULimit,
			validation.Min(0).Error("must not be negative")),
		validation.Field(&s.MaxIntron,
			validation.Min(0).Error("must not be negative")),
	)
	return fromOzzo(err)
}

// exclusive enforces combinations that cannot be honoured together.
func exclusive(s *Settings) ValidationErrors {
	var out ValidationErrors
	if s.AltQuant != "" && !s.ShouldQuantify() {
		out = append(out, ValidationError{Key: "alt_quant", Message: "requires quantification; DNA mode disables it unless --quantify is given"})
	}
	if s.StrandSpecific && !s.ShouldQuantify() {
		out = append(out, ValidationError{Key: "strand_specific", Message: "only affects quantification, which DNA mode disables unless --quantify is given"})
	}
	return out
}

func crossFile(s *Settings) ValidationErrors {
	var err error
	err = multierr.Append(err, readable("rum_config_file", s.IndexConfig))
	if s.AltGenes != "" {
		err = multierr.Append(err, readable("alt_genes", s.AltGenes))
	}
	if s.AltQuant != "" {
		err = multierr.Append(err, readable("alt_quant", s.AltQuant))
	}
	for i, r := range s.Reads {
		err = multierr.Append(err, readable(fmt.Sprintf("reads[%d]", i), r))
	}

	var out ValidationErrors
	for _, e := range multierr.Errors(err) {
		var ve ValidationError
		if errors.As(e, &ve) {
			out = append(out, ve)
			continue
		}
		out = append(out, ValidationError{Message: e.Error()})
	}
	return out
}

func readable(key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		msg := "cannot be read: " + path
		switch {
		case os.IsNotExist(err):
			msg = "file not found: " + path
		case os.IsPermission(err):
			msg = "permission denied: " + path
		}
		return ValidationError{Key: key, Message: msg}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ValidationError{Key: key, Message: "cannot be read: " + path}
	}
	if info.IsDir() {
		return ValidationError{Key: key, Message: "is a directory: " + path}
	}
	return nil
}

func absolutePath(value any) error {
	p, _ := value.(string)
	if p != "" && !filepath.IsAbs(p) {
		return errors.New("must be an absolute path")
	}
	return nil
}

func distinctReads(value any) error {
	reads, _ := value.([]string)
	if len(reads) == 2 && filepath.Clean(reads[0]) == filepath.Clean(reads[1]) {
		return errors.New("the two read files must be different files")
	}
	return nil
}

func fromOzzo(err error) ValidationErrors {
	if err == nil {
		return nil
	}
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Message: err.Error()}}
	}

	keys := make([]string, 0, len(fieldErrs))
	for k := range fieldErrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(ValidationErrors, 0, len(keys))
	for _, k := range keys {
		out = append(out, ValidationError{Key: k, Message: fieldErrs[k].Error()})
	}
	return out
}
