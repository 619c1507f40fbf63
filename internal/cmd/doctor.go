package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/internal/config"
	"github.com/3leaps/gorum/internal/observability"
	"github.com/3leaps/gorum/pkg/resources"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on this host: memory detection, the application
config file and the cluster scheduler commands.

Examples:
  gorum doctor
  gorum doctor --cluster   # fail when scheduler commands are missing`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("cluster", false, "Treat missing scheduler commands as failures")
}

type checkStatus int

const (
	checkOK checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	Name   string
	Status checkStatus
	Detail string
}

func (r checkResult) icon() string {
	switch r.Status {
	case checkOK:
		return "✅"
	case checkWarn:
		return "⚠️ "
	default:
		return "❌"
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	strict, _ := cmd.Flags().GetBool("cluster")
	cfg, err := appConfig(cmd.Context())
	if err != nil {
		return err
	}

	logger := observability.CLILogger
	logger.Info("=== gorum doctor ===")
	logger.Info("Running diagnostic checks...")

	results := doctorChecks(cmd.Context(), cfg, resources.DefaultProbe(), strict)
	failed := 0
	for i, r := range results {
		line := fmt.Sprintf("[%d/%d] Checking %s... %s %s", i+1, len(results), r.Name, r.icon(), r.Detail)
		switch r.Status {
		case checkOK:
			logger.Info(line)
		case checkWarn:
			logger.Warn(line)
		default:
			logger.Error(line)
			failed++
		}
	}

	if failed > 0 {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(int(foundry.ExitExternalServiceUnavailable), fmt.Sprintf("%d checks failed", failed), nil)
	}
	logger.Info("✅ All checks passed.")
	return nil
}

type memoryDetector interface {
	Detect(ctx context.Context) (float64, string, bool)
}

func doctorChecks(ctx context.Context, cfg *config.Config, probe memoryDetector, strict bool) []checkResult {
	results := []checkResult{
		{Name: "environment", Status: checkOK, Detail: runtime.GOOS + "/" + runtime.GOARCH + " " + runtime.Version()},
		memoryCheck(ctx, cfg, probe),
		configFileCheck(config.UserConfigPath()),
	}
	for _, c := range []struct{ name, template string }{
		{"submit command", cfg.Cluster.SubmitCommand},
		{"status command", cfg.Cluster.StatusCommand},
		{"cancel command", cfg.Cluster.CancelCommand},
	} {
		results = append(results, commandCheck(c.name, c.template, strict))
	}
	return results
}

func memoryCheck(ctx context.Context, cfg *config.Config, probe memoryDetector) checkResult {
	r := checkResult{Name: "memory"}
	if cfg.RAM.TotalGB > 0 {
		r.Detail = fmt.Sprintf("%.1fG (ram.total_gb)", cfg.RAM.TotalGB)
		return r
	}
	gb, source, ok := probe.Detect(ctx)
	if !ok {
		r.Status = checkWarn
		r.Detail = "cannot detect; set ram.total_gb or pass --ram to align"
		return r
	}
	r.Detail = fmt.Sprintf("%s via %s", humanize.IBytes(uint64(gb*(1<<30))), source)
	return r
}

func configFileCheck(path string) checkResult {
	r := checkResult{Name: "config file"}
	if path == "" {
		r.Status = checkWarn
		r.Detail = "no config location for this user"
		return r
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		r.Status = checkFail
		r.Detail = path + " is a directory"
	case err == nil:
		r.Detail = path
	case os.IsNotExist(err):
		r.Detail = path + " (not present, using defaults)"
	default:
		r.Status = checkFail
		r.Detail = err.Error()
	}
	return r
}

// commandCheck looks up the program a scheduler template runs.
func commandCheck(name, template string, strict bool) checkResult {
	r := checkResult{Name: name}
	missing := checkWarn
	if strict {
		missing = checkFail
	}
	if strings.TrimSpace(template) == "" {
		r.Status = missing
		r.Detail = "not configured"
		return r
	}
	argv, err := shlex.Split(template)
	if err != nil || len(argv) == 0 {
		r.Status = checkFail
		r.Detail = fmt.Sprintf("cannot parse %q", template)
		return r
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		r.Status = missing
		r.Detail = argv[0] + " not found on PATH"
		observability.CLILogger.Debug("Scheduler command lookup failed", zap.String("command", argv[0]), zap.Error(err))
		return r
	}
	r.Detail = path
	return r
}
