// Package orchestrator drives one invocation of an alignment job: it
// reconciles settings, takes the output directory lock, sizes memory and
// runs the selected phases on the configured platform.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/directive"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/pipeline"
	"github.com/3leaps/gorum/pkg/platform"
	"github.com/3leaps/gorum/pkg/resources"
	"github.com/3leaps/gorum/pkg/verify"
)

// OutputDirEnv publishes the resolved output directory to subprocesses.
const OutputDirEnv = pipeline.OutputDirEnv

// State is the point an invocation reached.
type State string

const (
	StateStart        State = "START"
	StateValidated    State = "VALIDATED"
	StateLocked       State = "LOCKED"
	StateSized        State = "SIZED"
	StateSubmitted    State = "SUBMITTED"
	StateRunningLocal State = "RUNNING_LOCAL"
	StateVerified     State = "VERIFIED"
	StateDone         State = "DONE"
)

// Request is one invocation's input.
type Request struct {
	OutputDir string
	// Overrides are command-line settings keyed by their mapstructure name.
	Overrides  map[string]any
	Directives *directive.Set
	// Chunk is the chunk a child runs; zero otherwise.
	Chunk int
	// Force accepts settings that differ from the saved copy.
	Force bool
	// LockPath is the lock a coordinator adopts from its submitter.
	LockPath string
}

// Sizer decides the per-chunk RAM for a job.
type Sizer interface {
	Size(ctx context.Context, s *jobconfig.Settings) (resources.Estimate, error)
}

// Verifier certifies a finished job's output.
type Verifier interface {
	Verify(s *jobconfig.Settings) *verify.Report
}

// PlatformFactory builds the backend for validated settings.
type PlatformFactory func(s *jobconfig.Settings, role platform.Role, phases *directive.Set) (platform.Platform, error)

// Deps are the orchestrator's collaborators. Sizer, Verifier and Cleaner
// may be nil to skip that step.
type Deps struct {
	Logger   *zap.Logger
	Sizer    Sizer
	Platform PlatformFactory
	Verifier Verifier
	Cleaner  verify.Cleaner
	// Setenv defaults to os.Setenv.
	Setenv func(key, value string) error
	// Exit is called after a signal released the lock; defaults to os.Exit.
	Exit func(code int)
	// JobLog, when set, starts the job's own log once the lock is held and
	// returns the logger to use from then on.
	JobLog func(outputDir string) (*zap.Logger, func(), error)
}

// Result describes how far the invocation got.
type Result struct {
	State    State
	Role     platform.Role
	Settings *jobconfig.Settings
	Changes  []jobconfig.Change
	Estimate resources.Estimate
	Report   *verify.Report
	Cleaned  []string
}

// Verified reports whether the job output passed verification.
func (r *Result) Verified() bool {
	return r != nil && r.Report.OK()
}

// Orchestrator runs requests.
type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Setenv == nil {
		deps.Setenv = os.Setenv
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	return &Orchestrator{deps: deps}
}

// Run executes req. The returned Result is never nil; its State is the
// last state reached, also when an error is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{State: StateStart}
	logger := o.deps.Logger

	if strings.TrimSpace(req.OutputDir) == "" {
		return res, errwrap.NewUsageError("output directory is required", "pass --output DIR")
	}
	outputDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return res, errwrap.WrapEnvironment(err, "resolve output directory")
	}
	req.OutputDir = outputDir
	if o.deps.Platform == nil {
		return res, fmt.Errorf("no platform factory configured")
	}
	phases := req.Directives
	if phases == nil {
		phases = &directive.Set{}
	}

	role, err := platform.RoleOf(phases, req.Chunk)
	if err != nil {
		return res, err
	}
	res.Role = role
	logger = logger.With(zap.String("output_dir", req.OutputDir), zap.Stringer("role", role))

	s, changes, err := o.settings(req, role, logger)
	if err != nil {
		return res, err
	}
	res.Settings, res.Changes = s, changes
	if err := jobconfig.Validate(s); err != nil {
		return res, err
	}
	res.State = StateValidated

	if err := o.deps.Setenv(OutputDirEnv, s.OutputDir); err != nil {
		return res, errwrap.WrapEnvironment(err, "publish "+OutputDirEnv)
	}

	lock, err := o.lock(req, role, s)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release lock", zap.Error(err))
		}
	}()
	if lock != nil {
		stop := lock.ReleaseOnSignal(logger, o.deps.Exit)
		defer stop()
		logger.Debug("Lock held", zap.String("lock", lock.Path()))
	}
	res.State = StateLocked

	if o.deps.JobLog != nil && !role.IsWorker() {
		jl, detach, err := o.deps.JobLog(s.OutputDir)
		if err != nil {
			logger.Warn("Job log unavailable", zap.Error(err))
		} else {
			defer detach()
			logger = jl.With(zap.String("output_dir", s.OutputDir), zap.Stringer("role", role))
		}
	}

	if !role.IsWorker() {
		if o.deps.Sizer != nil {
			est, err := o.deps.Sizer.Size(ctx, s)
			if err != nil {
				return res, err
			}
			res.Estimate = est
		}
		if err := jobconfig.Save(s); err != nil {
			return res, err
		}
	}
	res.State = StateSized

	if phases.Empty() {
		phases.SetAll()
	}
	p, err := o.deps.Platform(s, role, phases)
	if err != nil {
		return res, err
	}
	logger = logger.With(zap.String("platform", p.Name()))

	if p.Name() == string(jobconfig.PlatformCluster) && role.Kind == platform.RoleStandalone {
		if err := p.StartParent(ctx); err != nil {
			return res, errwrap.WrapPlatform(err, "start_parent")
		}
		// The submitted coordinator adopts the lock and releases it.
		lock.Handoff()
		res.State = StateSubmitted
		logger.Info("Job submitted; the coordinator continues on the cluster")
		return res, nil
	}

	res.State = StateRunningLocal
	if err := o.runPhases(ctx, p, phases, role, logger); err != nil {
		return res, err
	}

	if phases.Runs(directive.PhasePostprocess) && !role.IsWorker() {
		if err := o.verifyAndClean(s, phases, res, logger); err != nil {
			return res, err
		}
	}

	res.State = StateDone
	logger.Info("Job invocation finished", zap.String("phases", phases.String()))
	return res, nil
}

// settings loads the saved copy and applies req's overrides under the
// conflict policy. Workers require saved settings.
func (o *Orchestrator) settings(req Request, role platform.Role, logger *zap.Logger) (*jobconfig.Settings, []jobconfig.Change, error) {
	loaded, err := jobconfig.Load(req.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	if loaded == nil && role.IsWorker() {
		return nil, nil, errwrap.WrapEnvironment(
			fmt.Errorf("%s does not exist", jobconfig.SettingsPath(req.OutputDir)),
			"load settings for chunk worker")
	}

	s, changes, err := jobconfig.Reconcile(req.OutputDir, loaded, req.Overrides, jobconfig.ReconcileOptions{
		Force: req.Force,
		Child: role.IsWorker(),
	})
	if err != nil {
		return nil, changes, err
	}
	if loaded == nil {
		logger.Info("Starting new job", zap.String("name", s.Name))
	} else if len(changes) > 0 {
		for _, c := range changes {
			logger.Warn("Setting changed from saved value", zap.String("key", c.Key), zap.Any("from", c.From), zap.Any("to", c.To))
		}
	} else {
		logger.Info("Resuming job with saved settings", zap.String("name", s.Name))
	}
	return s, changes, nil
}

// lock acquires the output directory lock for a standalone run, adopts
// the submitter's lock for a coordinator, and takes none for a worker.
func (o *Orchestrator) lock(req Request, role platform.Role, s *jobconfig.Settings) (*joblock.Lock, error) {
	switch role.Kind {
	case platform.RoleWorker:
		return nil, nil
	case platform.RoleCoordinator:
		if req.LockPath == "" {
			return nil, nil
		}
		return joblock.Adopt(req.LockPath)
	default:
		return joblock.Acquire(joblock.Path(s.OutputDir))
	}
}

func (o *Orchestrator) runPhases(ctx context.Context, p platform.Platform, phases *directive.Set, role platform.Role, logger *zap.Logger) error {
	for _, phase := range phases.Selected() {
		logger.Info("Phase starting", zap.String("phase", string(phase)))
		var err error
		switch phase {
		case directive.PhasePreprocess:
			err = p.Preprocess(ctx)
		case directive.PhaseProcess:
			var chunk *int
			if role.IsWorker() {
				n := role.Chunk
				chunk = &n
			}
			err = p.Process(ctx, chunk)
		case directive.PhasePostprocess:
			err = p.Postprocess(ctx)
		}
		if err != nil {
			return errwrap.WrapPlatform(err, string(phase))
		}
		logger.Info("Phase finished", zap.String("phase", string(phase)))
	}
	return nil
}

// verifyAndClean certifies the output and, on success, removes
// intermediate files unless the run asked to keep them.
func (o *Orchestrator) verifyAndClean(s *jobconfig.Settings, phases *directive.Set, res *Result, logger *zap.Logger) error {
	if o.deps.Verifier == nil {
		return nil
	}
	report := o.deps.Verifier.Verify(s)
	res.Report = report
	if err := report.Err(); err != nil {
		logger.Error("Verification failed", zap.Int("problems", len(report.Problems)))
		return err
	}
	res.State = StateVerified
	logger.Info("Output verified", zap.Int("files", len(report.Checked)))

	if phases.NoClean() || o.deps.Cleaner == nil {
		return nil
	}
	removed, err := o.deps.Cleaner.Clean(s.OutputDir)
	res.Cleaned = removed
	if err != nil {
		// Verified output stays valid; a failed cleanup only leaves clutter.
		logger.Warn("Cleanup failed", zap.Error(err))
		return nil
	}
	logger.Info("Removed intermediate files", zap.Int("count", len(removed)))
	return nil
}
