// Package directive holds the per-invocation flags that select which
// pipeline phases run and which role this process plays in a distributed
// run. A Set is built from the command line and never persisted.
package directive

import (
	"errors"
	"strings"
)

// Phase is one of the three ordered pipeline stages.
type Phase string

const (
	PhasePreprocess  Phase = "preprocess"
	PhaseProcess     Phase = "process"
	PhasePostprocess Phase = "postprocess"
)

// Phases lists the phases in execution order.
var Phases = []Phase{PhasePreprocess, PhaseProcess, PhasePostprocess}

// ErrRoleConflict is returned when both parent and child are requested.
var ErrRoleConflict = errors.New("a process cannot be both --parent and --child")

// Set is the directive bundle. The zero value selects nothing.
type Set struct {
	preprocess  bool
	process     bool
	postprocess bool
	all         bool
	parent      bool
	child       bool
	noClean     bool
}

func (s *Set) Preprocess() bool  { return s.preprocess }
func (s *Set) Process() bool     { return s.process }
func (s *Set) Postprocess() bool { return s.postprocess }
func (s *Set) All() bool         { return s.all }
func (s *Set) Parent() bool      { return s.parent }
func (s *Set) Child() bool       { return s.child }
func (s *Set) NoClean() bool     { return s.noClean }

// UnsetAll clears every phase selection. Role and no-clean are untouched.
func (s *Set) UnsetAll() {
	s.preprocess = false
	s.process = false
	s.postprocess = false
	s.all = false
}

func (s *Set) SetPreprocessOnly() {
	s.UnsetAll()
	s.preprocess = true
}

func (s *Set) SetProcessOnly() {
	s.UnsetAll()
	s.process = true
}

func (s *Set) SetPostprocessOnly() {
	s.UnsetAll()
	s.postprocess = true
}

// SetAll selects every phase.
func (s *Set) SetAll() {
	s.UnsetAll()
	s.all = true
	s.preprocess = true
	s.process = true
	s.postprocess = true
}

func (s *Set) SetParent() error {
	if s.child {
		return ErrRoleConflict
	}
	s.parent = true
	return nil
}

func (s *Set) SetChild() error {
	if s.parent {
		return ErrRoleConflict
	}
	s.child = true
	return nil
}

func (s *Set) SetNoClean() { s.noClean = true }

// Empty reports whether no phase is selected.
func (s *Set) Empty() bool {
	return !s.all && !s.preprocess && !s.process && !s.postprocess
}

// Runs reports whether phase p is selected.
func (s *Set) Runs(p Phase) bool {
	if s.all {
		return true
	}
	switch p {
	case PhasePreprocess:
		return s.preprocess
	case PhaseProcess:
		return s.process
	case PhasePostprocess:
		return s.postprocess
	}
	return false
}

// Selected returns the selected phases in execution order.
func (s *Set) Selected() []Phase {
	var out []Phase
	for _, p := range Phases {
		if s.Runs(p) {
			out = append(out, p)
		}
	}
	return out
}

// Flags renders the phase selection as command-line flags, for
// re-invoking gorum with the same selection.
func (s *Set) Flags() []string {
	if s.all || s.Empty() {
		return []string{"--all"}
	}
	var out []string
	for _, p := range s.Selected() {
		out = append(out, "--"+string(p))
	}
	return out
}

func (s *Set) String() string {
	var parts []string
	for _, p := range s.Selected() {
		parts = append(parts, string(p))
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	switch {
	case s.parent:
		parts = append(parts, "role=parent")
	case s.child:
		parts = append(parts, "role=child")
	}
	if s.noClean {
		parts = append(parts, "no-clean")
	}
	return strings.Join(parts, ",")
}
