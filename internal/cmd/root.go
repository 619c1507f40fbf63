package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/internal/config"
	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/internal/observability"
)

// versionInfo is set from main via ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var (
	logLevel   string
	verbose    bool
	configFile string

	loggerReady bool
)

var rootCmd = &cobra.Command{
	Use:   "gorum",
	Short: "Run RNA-seq alignment jobs locally or on a cluster",
	Long: `gorum orchestrates a read-alignment job: it splits the reads into chunks,
runs the configured aligner steps for each chunk on this machine or through a
batch scheduler, merges the results and verifies them.

All state lives in the job's output directory, so an interrupted job can be
resumed by running the same command again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Application config file (default: app data dir config.yaml)")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func initApp(cmd *cobra.Command, _ []string) error {
	if configFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", configFile); err != nil {
			return err
		}
	}

	var overrides map[string]any
	if logLevel != "" {
		overrides = map[string]any{"logging": map[string]any{"level": logLevel}}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Failed to load configuration", err)
	}

	observability.InitCLILogger(config.AppName, verbose)
	loggerReady = true
	if !verbose {
		if err := observability.SetLevel(cfg.Logging.Level); err != nil {
			return exitError(int(foundry.ExitInvalidArgument), "Invalid log level", err)
		}
	}
	return nil
}

// appConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run (as in tests).
func appConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(ctx)
}

// cliError carries the process exit code for a failed command.
type cliError struct {
	code int
	msg  string
	err  error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *cliError) Unwrap() error { return e.err }

// exitError wraps err with an explicit exit code.
func exitError(code int, msg string, err error) error {
	return &cliError{code: code, msg: msg, err: err}
}

// exitCodeFor maps an error to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	kind, ok := errwrap.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case errwrap.KindUsage, errwrap.KindConfigConflict, errwrap.KindValidation, errwrap.KindResource:
		return int(foundry.ExitInvalidArgument)
	case errwrap.KindLockHeld:
		return int(foundry.ExitFileWriteError)
	case errwrap.KindEnvironment:
		if errors.Is(err, os.ErrNotExist) {
			return int(foundry.ExitFileNotFound)
		}
		return int(foundry.ExitFileReadError)
	case errwrap.KindVerification, errwrap.KindPlatform:
		return int(foundry.ExitExternalServiceUnavailable)
	default:
		return 1
	}
}

// ExitWithCode logs msg and err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	fields := []zap.Field{zap.Int("exit_code", code)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
	if hint := errwrap.HintOf(err); hint != "" {
		_, _ = fmt.Fprintln(os.Stderr, "hint: "+hint)
	}
	_ = logger.Sync()
	os.Exit(code)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if !loggerReady {
		// Flag parsing failed before the logger was built.
		_, _ = fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		code := exitCodeFor(err)
		if code == 1 {
			code = int(foundry.ExitInvalidArgument)
		}
		os.Exit(code)
	}
	ExitWithCode(observability.CLILogger, exitCodeFor(err), "Command failed", err)
}
