package directive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinglePhaseSettersAreExclusive(t *testing.T) {
	setters := map[Phase]func(*Set){
		PhasePreprocess:  (*Set).SetPreprocessOnly,
		PhaseProcess:     (*Set).SetProcessOnly,
		PhasePostprocess: (*Set).SetPostprocessOnly,
	}
	priors := map[string]func(*Set){
		"zero":        func(*Set) {},
		"all":         (*Set).SetAll,
		"preprocess":  (*Set).SetPreprocessOnly,
		"process":     (*Set).SetProcessOnly,
		"postprocess": (*Set).SetPostprocessOnly,
	}

	for phase, set := range setters {
		for priorName, prior := range priors {
			t.Run(string(phase)+"/after-"+priorName, func(t *testing.T) {
				var s Set
				prior(&s)
				set(&s)

				assert.False(t, s.All())
				assert.Equal(t, phase == PhasePreprocess, s.Preprocess())
				assert.Equal(t, phase == PhaseProcess, s.Process())
				assert.Equal(t, phase == PhasePostprocess, s.Postprocess())
				assert.Equal(t, []Phase{phase}, s.Selected())
			})
		}
	}
}

func TestSetAll(t *testing.T) {
	var s Set
	s.SetProcessOnly()
	s.SetAll()

	assert.True(t, s.All())
	assert.Equal(t, Phases, s.Selected())
	assert.Equal(t, []string{"--all"}, s.Flags())
}

func TestEmptyAndRuns(t *testing.T) {
	var s Set
	assert.True(t, s.Empty())
	assert.False(t, s.Runs(PhaseProcess))

	s.SetPostprocessOnly()
	assert.False(t, s.Empty())
	assert.True(t, s.Runs(PhasePostprocess))
	assert.False(t, s.Runs(PhasePreprocess))
	assert.Equal(t, []string{"--postprocess"}, s.Flags())

	s.UnsetAll()
	assert.True(t, s.Empty())
}

func TestRolesAreMutuallyExclusive(t *testing.T) {
	var s Set
	require.NoError(t, s.SetParent())
	assert.ErrorIs(t, s.SetChild(), ErrRoleConflict)
	assert.True(t, s.Parent())
	assert.False(t, s.Child())

	var c Set
	require.NoError(t, c.SetChild())
	assert.ErrorIs(t, c.SetParent(), ErrRoleConflict)
}

func TestRoleAndNoCleanSurvivePhaseChanges(t *testing.T) {
	var s Set
	require.NoError(t, s.SetChild())
	s.SetNoClean()
	s.SetAll()
	s.SetProcessOnly()

	assert.True(t, s.Child())
	assert.True(t, s.NoClean())
	assert.Equal(t, "process,role=child,no-clean", s.String())
}
