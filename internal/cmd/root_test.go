package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc", "2026-01-01")
	t.Setenv("GORUM_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	out, err := executeRoot(t, "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "1.2.3", got["version"])
	assert.Equal(t, "abc", got["commit"])
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error", err: errors.New("boom"), want: 1},
		{name: "explicit code", err: exitError(42, "custom", nil), want: 42},
		{name: "usage", err: errwrap.NewUsageError("bad flag", ""), want: int(foundry.ExitInvalidArgument)},
		{name: "conflict", err: errwrap.NewConfigConflictError("/out/settings.yaml", []string{"chunks"}), want: int(foundry.ExitInvalidArgument)},
		{name: "lock held", err: errwrap.NewLockHeldError("/out/lock", nil), want: int(foundry.ExitFileWriteError)},
		{name: "missing input", err: errwrap.WrapEnvironment(os.ErrNotExist, "reads"), want: int(foundry.ExitFileNotFound)},
		{name: "unreadable input", err: errwrap.WrapEnvironment(os.ErrPermission, "reads"), want: int(foundry.ExitFileReadError)},
		{name: "phase failure", err: errwrap.WrapPlatform(errors.New("exit 1"), "process"), want: int(foundry.ExitExternalServiceUnavailable)},
		{name: "wrapped", err: fmt.Errorf("align: %w", errwrap.NewLockHeldError("/x/lock", nil)), want: int(foundry.ExitFileWriteError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}
