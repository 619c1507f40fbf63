package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config at a file that does not exist so a
// developer's own config cannot leak into assertions.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("GORUM_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, "warn", cfg.RAM.Policy)
		assert.Equal(t, 6.0, cfg.RAM.UpperBound)
		assert.Equal(t, 30*time.Second, cfg.Cluster.PollInterval)
		assert.Equal(t, 3, cfg.Cluster.SubmitRetries)
		assert.Contains(t, cfg.Cluster.SubmitCommand, "qsub")
		assert.Equal(t, "qdel {{.ID}}", cfg.Cluster.CancelCommand)
		assert.Equal(t, 0, cfg.Local.MaxParallel)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)

		overrides := map[string]any{
			"ram": map[string]any{
				"policy": "abort",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "abort", cfg.RAM.Policy)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GORUM_LOG_LEVEL", "warn")
		t.Setenv("GORUM_CLUSTER_POLL_INTERVAL", "5s")
		t.Setenv("GORUM_LOCAL_MAX_PARALLEL", "2")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 5*time.Second, cfg.Cluster.PollInterval)
		assert.Equal(t, 2, cfg.Local.MaxParallel)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("GORUM_RAM_POLICY", "prompt")

		cfg, err := Load(ctx, map[string]any{"ram": map[string]any{"policy": "abort"}})
		require.NoError(t, err)

		assert.Equal(t, "abort", cfg.RAM.Policy)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cluster:\n  submit_command: sbatch --wrap {{.Command}}\n"), 0644))
		t.Setenv("GORUM_CONFIG", path)

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "sbatch --wrap {{.Command}}", cfg.Cluster.SubmitCommand)
		assert.Equal(t, "qstat -j {{.ID}}", cfg.Cluster.StatusCommand)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background(), map[string]any{"local": map[string]any{"max_parallel": 7}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Local.MaxParallel, current.Local.MaxParallel)
}

func TestEnvNames(t *testing.T) {
	names := EnvNames()

	assert.Contains(t, names, "GORUM_LOG_LEVEL")
	assert.Contains(t, names, "GORUM_LOGGING_LEVEL")
	assert.Contains(t, names, "GORUM_SUBMIT_COMMAND")
	for _, n := range names {
		assert.Contains(t, n, "GORUM_")
	}
}
