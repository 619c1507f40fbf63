package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/internal/observability"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/verify"
)

var cleanCmd = &cobra.Command{
	Use:   "clean -o DIR",
	Short: "Remove a finished job's intermediate files",
	Long: `Remove chunk files and temporaries from a job's output directory.

The job must not be running and its output must pass the completion check;
--force skips the check (not the lock).`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().StringP("output", "o", "", "Output directory of the job (required)")
	cleanCmd.Flags().Bool("dry-run", false, "List what would be removed")
	cleanCmd.Flags().Bool("force", false, "Clean even if the output is incomplete")
}

func runClean(cmd *cobra.Command, _ []string) error {
	outputDir, err := outputDirFlag(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")

	s, err := loadSavedSettings(outputDir)
	if err != nil {
		return err
	}

	lockPath := joblock.Path(outputDir)
	if _, held, err := joblock.Holder(lockPath); err != nil {
		return err
	} else if held {
		return errwrap.NewLockHeldError(lockPath, nil)
	}

	if !force {
		if err := (verify.Verifier{}).Verify(s).Err(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if dryRun {
		paths, err := verify.Matches(outputDir, verify.DefaultCleanPatterns)
		if err != nil {
			return err
		}
		for _, p := range paths {
			_, _ = fmt.Fprintf(out, "would remove %s\n", p)
		}
		return nil
	}

	cleaner := &verify.GlobCleaner{Patterns: verify.DefaultCleanPatterns, Logger: observability.CLILogger}
	removed, err := cleaner.Clean(outputDir)
	for _, p := range removed {
		_, _ = fmt.Fprintf(out, "removed %s\n", p)
	}
	return err
}
