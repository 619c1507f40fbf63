package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/internal/config"
	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/internal/observability"
	"github.com/3leaps/gorum/pkg/directive"
	"github.com/3leaps/gorum/pkg/indexconfig"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/jobregistry"
	"github.com/3leaps/gorum/pkg/orchestrator"
	"github.com/3leaps/gorum/pkg/pipeline"
	"github.com/3leaps/gorum/pkg/platform"
	"github.com/3leaps/gorum/pkg/resources"
	"github.com/3leaps/gorum/pkg/verify"
)

var alignCmd = &cobra.Command{
	Use:   "align -o DIR [flags] READS [MATES]",
	Short: "Run (or resume) an alignment job",
	Long: `Run an alignment job whose state lives in the output directory.

The first run records its settings in DIR/.gorum/job_settings.yaml. Later runs
against the same directory reuse them; passing a different value for a saved
setting is an error unless --force is given.

Examples:
  gorum align -o out --name sample --index-config hg19.yaml reads.fq
  gorum align -o out --chunks 8 --platform Cluster r1.fq r2.fq
  gorum align -o out --postprocess      # rerun only the merge step
  gorum align -o out                    # resume with saved settings`,
	Args: cobra.MaximumNArgs(2),
	RunE: runAlign,
}

var (
	alignOutput    string
	alignChunk     int
	alignLock      string
	alignChild     bool
	alignParent    bool
	alignForce     bool
	alignNoClean   bool
	alignRAMPolicy string

	alignPhases directive.Set
)

// settingFlags maps a flag to the settings key it overrides.
var settingFlags = map[string]string{
	"name":                  "name",
	"index-config":          "rum_config_file",
	"chunks":                "chunks",
	"platform":              "platform",
	"ram":                   "ram",
	"ram-ok":                "ram_ok",
	"min-identity":          "min_identity",
	"min-length":            "min_length",
	"max-insertions":        "max_insertions",
	"nu-limit":              "nu_limit",
	"max-intron":            "max_intron",
	"quantify":              "quantify",
	"junctions":             "junctions",
	"strand-specific":       "strand_specific",
	"dna":                   "dna",
	"genome-only":           "genome_only",
	"variable-length-reads": "variable_length_reads",
	"count-mismatches":      "count_mismatches",
	"preserve-names":        "preserve_names",
	"alt-genes":             "alt_genes",
	"alt-quant":             "alt_quant",
}

func init() {
	rootCmd.AddCommand(alignCmd)
	registerAlignFlags(alignCmd.Flags())
}

func registerAlignFlags(f *pflag.FlagSet) {
	f.StringVarP(&alignOutput, "output", "o", "", "Output directory for the job (required)")

	f.String("name", "", "Job name; sanitized to letters, digits, '.', '_' and '-'")
	f.String("index-config", "", "Index config file (genome, annotations, step commands)")
	f.Int("chunks", 1, "Number of chunks to split the reads into")
	f.String("platform", string(jobconfig.PlatformLocal), "Where chunks run: Local or Cluster")
	f.Float64("ram", 0, "Gigabytes of RAM per chunk; skips the memory check")
	f.Bool("ram-ok", false, "Accept the memory situation without checking")
	f.Int("min-identity", jobconfig.DefaultMinIdentity, "Minimum percent identity of an alignment")
	f.Int("min-length", 0, "Minimum alignment length (0 picks from read length)")
	f.Int("max-insertions", jobconfig.DefaultMaxInsertions, "Maximum insertions per read")
	f.Int("nu-limit", 0, "Drop reads with more than this many non-unique mappings (0 = no limit)")
	f.Int("max-intron", 0, "Longest gap bridged when stitching alignments")
	f.Bool("quantify", false, "Quantify features even in DNA mode")
	f.Bool("junctions", false, "Call junctions even in DNA mode")
	f.Bool("strand-specific", false, "Reads are strand specific")
	f.Bool("dna", false, "DNA mode: no junctions or quantification unless asked")
	f.Bool("genome-only", false, "Align against the genome only")
	f.Bool("variable-length-reads", false, "Reads do not share a length")
	f.Bool("count-mismatches", false, "Report mismatch counts in RUM_* files")
	f.Bool("preserve-names", false, "Keep original read names")
	f.String("alt-genes", "", "Alternate gene model for junction annotation")
	f.String("alt-quant", "", "Alternate gene model for quantification")

	phaseFlag(f, "preprocess", "Run only the preprocess phase", (*directive.Set).SetPreprocessOnly)
	phaseFlag(f, "process", "Run only the process phase", (*directive.Set).SetProcessOnly)
	phaseFlag(f, "postprocess", "Run only the postprocess phase", (*directive.Set).SetPostprocessOnly)
	phaseFlag(f, "all", "Run every phase (default)", (*directive.Set).SetAll)

	f.BoolVar(&alignForce, "force", false, "Overwrite saved settings that differ from the given flags")
	f.BoolVar(&alignNoClean, "no-clean", false, "Keep intermediate files after a verified run")
	f.StringVar(&alignRAMPolicy, "ram-policy", "", "When memory looks short: warn, prompt or abort (default from config)")

	f.BoolVar(&alignChild, "child", false, "Run as a chunk worker (internal)")
	f.BoolVar(&alignParent, "parent", false, "Run as a cluster coordinator (internal)")
	f.StringVar(&alignLock, "lock", "", "Lock file to adopt as coordinator (internal)")
	f.IntVar(&alignChunk, "chunk", 0, "Chunk a worker runs (internal)")
	for _, name := range []string{"child", "parent", "lock", "chunk"} {
		_ = f.MarkHidden(name)
	}
}

// phaseValue is a boolean flag whose setter applies a directive. Later
// phase flags on the command line replace earlier ones.
type phaseValue struct {
	set   *directive.Set
	apply func(*directive.Set)
	given bool
}

func (v *phaseValue) String() string { return strconv.FormatBool(v.given) }
func (v *phaseValue) Type() string   { return "bool" }

func (v *phaseValue) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		v.apply(v.set)
		v.given = true
	}
	return nil
}

func phaseFlag(f *pflag.FlagSet, name, usage string, apply func(*directive.Set)) {
	f.VarPF(&phaseValue{set: &alignPhases, apply: apply}, name, "", usage).NoOptDefVal = "true"
}

// collectOverrides turns the flags the user set into settings overrides.
// Unset flags are left out so saved values stay in force.
func collectOverrides(f *pflag.FlagSet, args []string, logger *zap.Logger) map[string]any {
	overrides := make(map[string]any)
	f.Visit(func(fl *pflag.Flag) {
		key, ok := settingFlags[fl.Name]
		if !ok {
			return
		}
		value := fl.Value.String()
		if key == "name" {
			fixed := jobconfig.FixName(value)
			if fixed != value {
				logger.Warn("Job name sanitized", zap.String("given", value), zap.String("name", fixed))
			}
			value = fixed
		}
		overrides[key] = value
	})
	if len(args) > 0 {
		overrides[jobconfig.KeyReads] = args
	}
	return overrides
}

// directives resolves the role flags onto the phase selection.
func directives() (*directive.Set, error) {
	d := alignPhases
	if alignChild {
		if err := d.SetChild(); err != nil {
			return nil, errwrap.NewUsageError(err.Error(), "")
		}
	}
	if alignParent {
		if err := d.SetParent(); err != nil {
			return nil, errwrap.NewUsageError(err.Error(), "")
		}
	}
	if alignNoClean {
		d.SetNoClean()
	}
	return &d, nil
}

func runAlign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	if strings.TrimSpace(alignOutput) == "" {
		return errwrap.NewUsageError("--output is required", "gorum align -o DIR [flags] READS [MATES]")
	}
	outputDir, err := filepath.Abs(alignOutput)
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid --output", err)
	}

	d, err := directives()
	if err != nil {
		return err
	}

	cfg, err := appConfig(ctx)
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Failed to load configuration", err)
	}
	sizer, err := newSizer(cfg, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Logger:   logger,
		Sizer:    sizer,
		Platform: platformFactory(cfg),
		Verifier: verify.Verifier{},
		Cleaner:  &verify.GlobCleaner{Patterns: verify.DefaultCleanPatterns, Logger: logger},
		JobLog: func(dir string) (*zap.Logger, func(), error) {
			detach, err := observability.AttachJobLog(pipeline.Layout{OutputDir: dir}.LogDir())
			return observability.CLILogger, detach, err
		},
	})

	res, err := orch.Run(ctx, orchestrator.Request{
		OutputDir:  outputDir,
		Overrides:  collectOverrides(cmd.Flags(), args, logger),
		Directives: d,
		Chunk:      alignChunk,
		Force:      alignForce,
		LockPath:   alignLock,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch res.State {
	case orchestrator.StateSubmitted:
		_, _ = fmt.Fprintf(out, "submitted job %s; follow it with: gorum status -o %s\n", res.Settings.Name, outputDir)
	default:
		if res.Role.IsWorker() {
			return nil
		}
		status := "done"
		if res.Verified() {
			status = "verified"
		}
		_, _ = fmt.Fprintf(out, "%s: %s (%s)\n", res.Settings.Name, status, d.String())
	}
	return nil
}

func newSizer(cfg *config.Config, logger *zap.Logger) (*resources.Sizer, error) {
	policyName := cfg.RAM.Policy
	if alignRAMPolicy != "" {
		policyName = alignRAMPolicy
	}
	policy, err := resources.ParsePolicy(policyName)
	if err != nil {
		return nil, err
	}
	return &resources.Sizer{
		Check: &resources.RAMCheck{
			Probe:        resources.DefaultProbe(),
			Policy:       policy,
			Prompter:     resources.NewTerminalPrompter(),
			UpperBoundGB: cfg.RAM.UpperBound,
			TotalGB:      cfg.RAM.TotalGB,
			Logger:       logger,
		},
		Genome: func(s *jobconfig.Settings) (string, error) {
			return indexconfig.GenomePath(s.IndexConfig)
		},
	}, nil
}

// platformFactory wires the pipeline, the task registry and the scheduler
// commands into a backend for validated settings.
func platformFactory(cfg *config.Config) orchestrator.PlatformFactory {
	return func(s *jobconfig.Settings, role platform.Role, phases *directive.Set) (platform.Platform, error) {
		logger := observability.CLILogger

		idx, err := indexconfig.Load(s.IndexConfig)
		if err != nil {
			return nil, err
		}
		runner := &pipeline.ExecRunner{Logger: logger}
		work := pipeline.New(s, idx, runner, logger)

		store := jobregistry.ForOutputDir(s.OutputDir)
		executor := jobregistry.NewExecutor(store)
		executor.Logger = logger

		return platform.New(s, role, platform.Deps{
			Work: work,
			Commands: platform.Commands{
				OutputDir: s.OutputDir,
				LockPath:  joblock.Path(s.OutputDir),
			},
			Phases: phases,
			Local: platform.LocalOptions{
				MaxParallel: cfg.Local.MaxParallel,
				Logger:      logger,
			},
			Cluster: platform.ClusterOptions{
				PollInterval: cfg.Cluster.PollInterval,
				Logger:       logger,
			},
			Submitter:  newSubmitter(cfg, logger),
			Spawner:    executor,
			TaskRecord: store,
		})
	}
}

func newSubmitter(cfg *config.Config, logger *zap.Logger) *platform.CommandSubmitter {
	return &platform.CommandSubmitter{
		SubmitTemplate: cfg.Cluster.SubmitCommand,
		StatusTemplate: cfg.Cluster.StatusCommand,
		CancelTemplate: cfg.Cluster.CancelCommand,
		Retries:        cfg.Cluster.SubmitRetries,
		Logger:         logger,
	}
}
