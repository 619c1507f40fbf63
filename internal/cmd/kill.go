package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/internal/observability"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/jobregistry"
	"github.com/3leaps/gorum/pkg/platform"
)

var killCmd = &cobra.Command{
	Use:   "kill -o DIR",
	Short: "Stop every process of a job and free its lock",
	Long: `Stop a job: local chunk processes get SIGTERM and, after the grace period,
SIGKILL; scheduler tasks are cancelled with the configured cancel command; the
process holding the lock is stopped last. The lock file is then removed.`,
	Args: cobra.NoArgs,
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.Flags().StringP("output", "o", "", "Output directory of the job (required)")
	killCmd.Flags().Duration("grace", 30*time.Second, "Time to wait after SIGTERM before SIGKILL")
}

// canceller removes a task from the cluster scheduler.
type canceller interface {
	Cancel(ctx context.Context, id string) error
}

type killer struct {
	store     *jobregistry.Store
	lockPath  string
	scheduler canceller
	grace     time.Duration
	logger    *zap.Logger
	out       io.Writer
}

func runKill(cmd *cobra.Command, _ []string) error {
	outputDir, err := outputDirFlag(cmd)
	if err != nil {
		return err
	}
	grace, _ := cmd.Flags().GetDuration("grace")

	cfg, err := appConfig(cmd.Context())
	if err != nil {
		return err
	}
	k := &killer{
		store:     jobregistry.ForOutputDir(outputDir),
		lockPath:  joblock.Path(outputDir),
		scheduler: newSubmitter(cfg, observability.CLILogger),
		grace:     grace,
		logger:    observability.CLILogger,
		out:       cmd.OutOrStdout(),
	}
	return k.kill(cmd.Context())
}

// kill stops active tasks, then the lock holder, then removes the lock.
// Failures are collected so one stuck task does not hide the others.
func (k *killer) kill(ctx context.Context) error {
	tasks, err := k.store.Active()
	if err != nil {
		return err
	}

	var errs error
	for i := range tasks {
		errs = multierr.Append(errs, k.stopTask(ctx, &tasks[i]))
	}

	owner, held, err := joblock.Holder(k.lockPath)
	if err != nil {
		return multierr.Append(errs, err)
	}
	switch {
	case !held || owner.PID <= 0 || owner.PID == os.Getpid() && owner.Local():
	case !owner.Local():
		// A pid from another host means nothing in this process table.
		k.logger.Warn("Lock holder runs on another host; not signalling it",
			zap.String("host", owner.Host), zap.Int("pid", owner.PID))
		_, _ = fmt.Fprintf(k.out, "lock_holder=%s skipped=remote\n", owner)
	default:
		forced, err := jobregistry.StopPID(owner.PID, k.grace)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop lock holder %d: %w", owner.PID, err))
		} else {
			_, _ = fmt.Fprintf(k.out, "lock_holder=%d sent=term%s\n", owner.PID, forcedSuffix(forced))
		}
	}
	if held {
		if err := os.Remove(k.lockPath); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove lock: %w", err))
		} else {
			_, _ = fmt.Fprintf(k.out, "lock=removed path=%s\n", k.lockPath)
		}
	}

	if len(tasks) == 0 && !held {
		_, _ = fmt.Fprintln(k.out, "nothing to stop")
	}
	return errs
}

func (k *killer) stopTask(ctx context.Context, rec *jobregistry.TaskRecord) error {
	if rec.Local() {
		if rec.PID <= 0 {
			// Never started; nothing to signal.
			return k.store.Transition(rec, jobregistry.TaskStateStopped)
		}
		forced, err := k.store.Stop(rec, k.grace)
		if err != nil {
			return fmt.Errorf("task %s: %w", shortTaskID(rec.TaskID), err)
		}
		_, _ = fmt.Fprintf(k.out, "task=%s pid=%d sent=term%s\n", shortTaskID(rec.TaskID), rec.PID, forcedSuffix(forced))
		return nil
	}

	err := k.scheduler.Cancel(ctx, rec.SchedulerID)
	if errors.Is(err, platform.ErrNotSupported) {
		k.logger.Warn("No cancel command configured; scheduler task left running",
			zap.String("task_id", rec.TaskID), zap.String("scheduler_id", rec.SchedulerID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", shortTaskID(rec.TaskID), err)
	}
	_, _ = fmt.Fprintf(k.out, "task=%s scheduler_id=%s cancelled\n", shortTaskID(rec.TaskID), rec.SchedulerID)
	return k.store.Transition(rec, jobregistry.TaskStateStopped)
}

func forcedSuffix(forced bool) string {
	if forced {
		return ";forced=kill"
	}
	return ""
}
