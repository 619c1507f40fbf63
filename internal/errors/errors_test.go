package errors

import (
	goerrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_UnwrapsSentinelAndCause(t *testing.T) {
	err := WrapEnvironment(os.ErrPermission, "create output directory")

	assert.True(t, goerrors.Is(err, ErrEnvironment))
	assert.True(t, goerrors.Is(err, os.ErrPermission))
	assert.Equal(t, "create output directory: permission denied", err.Error())
}

func TestWrapEnvironment_Nil(t *testing.T) {
	assert.NoError(t, WrapEnvironment(nil, "noop"))
	assert.NoError(t, WrapPlatform(nil, "process"))
}

func TestNewConfigConflictError_NamesSettingsFile(t *testing.T) {
	err := NewConfigConflictError("/data/job/.gorum/job_settings.yaml", []string{"chunks", "reads"})

	require.True(t, goerrors.Is(err, ErrConfigConflict))
	assert.Contains(t, err.Error(), "/data/job/.gorum/job_settings.yaml")
	assert.Contains(t, err.Error(), "chunks, reads")
	assert.Contains(t, HintOf(err), "--force")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		ok   bool
	}{
		{name: "classified", err: NewLockHeldError("/x/lock", nil), want: KindLockHeld, ok: true},
		{name: "wrapped classified", err: fmt.Errorf("run: %w", NewUsageError("missing --output", "")), want: KindUsage, ok: true},
		{name: "bare sentinel", err: fmt.Errorf("check: %w", ErrVerification), want: KindVerification, ok: true},
		{name: "unclassified", err: goerrors.New("boom"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KindOf(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
