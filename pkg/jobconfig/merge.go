package jobconfig

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/r3labs/diff"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

// KeyReads is the override key for the read file list. Reads are compared
// as an ordered list of absolute paths rather than by the generic diff,
// which treats slices as unordered sets.
const KeyReads = "reads"

// pathKeys are overrides resolved to absolute paths before comparison.
var pathKeys = []string{"output_dir", "rum_config_file", "alt_genes", "alt_quant"}

// Change is one setting whose value differs between saved and new input.
type Change struct {
	Key  string
	From any
	To   any
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Key, c.From, c.To)
}

// ReconcileOptions carries the caller context for the conflict policy.
type ReconcileOptions struct {
	// Force accepts changed settings and overwrites the saved copy.
	Force bool
	// Child processes trust the coordinator's saved settings.
	Child bool
}

// Merge applies overrides onto a copy of base. Keys with nil values are
// ignored. The returned changes list every setting that differs from base.
func Merge(base *Settings, overrides map[string]any) (*Settings, []Change, error) {
	if base == nil {
		return nil, nil, fmt.Errorf("base settings are nil")
	}
	merged := base.Clone()

	rest := make(map[string]any, len(overrides))
	var reads []string
	readsGiven := false
	for key, value := range overrides {
		if value == nil {
			continue
		}
		if key == KeyReads {
			list, err := toStrings(value)
			if err != nil {
				return nil, nil, errwrap.NewUsageError("invalid reads: "+err.Error(), "")
			}
			reads, readsGiven = list, true
			continue
		}
		if slices.Contains(pathKeys, key) {
			if p, ok := value.(string); ok && strings.TrimSpace(p) != "" {
				abs, err := filepath.Abs(p)
				if err != nil {
					return nil, nil, errwrap.WrapEnvironment(err, "resolve "+key)
				}
				value = abs
			}
		}
		rest[key] = value
	}

	if len(rest) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           merged,
			TagName:          "mapstructure",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build settings decoder: %w", err)
		}
		if err := dec.Decode(rest); err != nil {
			return nil, nil, errwrap.NewUsageError("invalid option value: "+err.Error(), "")
		}
	}

	if readsGiven {
		abs, err := AbsPaths(reads)
		if err != nil {
			return nil, nil, errwrap.WrapEnvironment(err, "resolve reads")
		}
		merged.Reads = abs
	}

	changes, err := Changes(base, merged)
	if err != nil {
		return nil, nil, err
	}
	return merged, changes, nil
}

// Reconcile merges overrides onto the loaded settings, or onto fresh
// defaults when nothing was saved, and enforces the conflict policy: a
// change against settings loaded from disk is rejected unless forced or
// running as a child.
func Reconcile(outputDir string, loaded *Settings, overrides map[string]any, opts ReconcileOptions) (*Settings, []Change, error) {
	base := loaded
	if base == nil {
		base = New(outputDir)
	}

	merged, changes, err := Merge(base, overrides)
	if err != nil {
		return nil, nil, err
	}

	if len(changes) > 0 && loaded != nil && !opts.Force && !opts.Child {
		keys := make([]string, 0, len(changes))
		for _, c := range changes {
			keys = append(keys, c.Key)
		}
		return nil, changes, errwrap.NewConfigConflictError(SettingsPath(outputDir), keys)
	}
	return merged, changes, nil
}

// Changes diffs two settings records. Reads are compared in order.
func Changes(from, to *Settings) ([]Change, error) {
	changelog, err := diff.Diff(*from, *to)
	if err != nil {
		return nil, fmt.Errorf("diff settings: %w", err)
	}

	byKey := make(map[string]Change)
	for _, c := range changelog {
		if len(c.Path) == 0 {
			continue
		}
		key := c.Path[0]
		if _, seen := byKey[key]; seen {
			continue
		}
		byKey[key] = Change{Key: key, From: c.From, To: c.To}
	}
	if !SameReads(from.Reads, to.Reads) {
		byKey[KeyReads] = Change{Key: KeyReads, From: from.Reads, To: to.Reads}
	}

	out := make([]Change, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SameReads reports whether two read lists name the same files in the same
// order after path cleaning.
func SameReads(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if filepath.Clean(a[i]) != filepath.Clean(b[i]) {
			return false
		}
	}
	return true
}

// AbsPaths resolves every path to an absolute one.
func AbsPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected file paths, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected file paths, got %T", v)
}
