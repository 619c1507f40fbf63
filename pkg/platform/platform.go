// Package platform dispatches pipeline phases to an execution backend: the
// local machine or a cluster scheduler. Every backend honours the same
// contract; callers never branch on which one they hold.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/directive"
	"github.com/3leaps/gorum/pkg/jobconfig"
)

// ErrNotSupported is returned for operations a backend does not offer,
// such as StartParent on Local.
var ErrNotSupported = errors.New("operation not supported by this platform")

// Platform runs the phases of one job.
type Platform interface {
	Name() string
	Preprocess(ctx context.Context) error
	// Process runs one chunk when chunk is non-nil, otherwise every chunk
	// that has not finished.
	Process(ctx context.Context, chunk *int) error
	Postprocess(ctx context.Context) error
	// StartParent hands the whole job to another process (a scheduler task)
	// that will run as the coordinator. It returns once the task is queued.
	StartParent(ctx context.Context) error
}

// Work is the job-specific work a platform schedules.
type Work interface {
	Preprocess(ctx context.Context) error
	RunChunk(ctx context.Context, n int) error
	Postprocess(ctx context.Context) error
	ChunkDone(n int) bool
	PendingChunks() []int
}

// RoleKind is the part a process plays in a distributed run.
type RoleKind int

const (
	RoleStandalone RoleKind = iota
	RoleCoordinator
	RoleWorker
)

// Role is a tagged variant; Chunk is set only for workers.
type Role struct {
	Kind  RoleKind
	Chunk int
}

func Standalone() Role       { return Role{Kind: RoleStandalone} }
func Coordinator() Role      { return Role{Kind: RoleCoordinator} }
func Worker(chunk int) Role  { return Role{Kind: RoleWorker, Chunk: chunk} }
func (r Role) IsWorker() bool { return r.Kind == RoleWorker }

func (r Role) String() string {
	switch r.Kind {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker(" + strconv.Itoa(r.Chunk) + ")"
	default:
		return "standalone"
	}
}

// RoleOf derives the role from directives. A child must name its chunk.
func RoleOf(d *directive.Set, chunk int) (Role, error) {
	switch {
	case d.Child():
		if chunk < 1 {
			return Role{}, errwrap.NewUsageError("--child requires --chunk N", "children are started by gorum itself; run without --child")
		}
		return Worker(chunk), nil
	case chunk > 0:
		return Role{}, errwrap.NewUsageError("--chunk is only valid with --child", "")
	case d.Parent():
		return Coordinator(), nil
	default:
		return Standalone(), nil
	}
}

// Commands builds the gorum invocations a platform spawns or submits.
type Commands struct {
	// Exe is the gorum binary; empty means this executable.
	Exe       string
	OutputDir string
	LockPath  string
}

func (c Commands) exe() string {
	if c.Exe != "" {
		return c.Exe
	}
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return os.Args[0]
}

// ChildArgs are the arguments (without the program) running chunk n.
func (c Commands) ChildArgs(n int) []string {
	return []string{"align", "--output", c.OutputDir, "--child", "--process", "--chunk", strconv.Itoa(n)}
}

// ParentArgs are the arguments for a coordinator running the selected phases.
func (c Commands) ParentArgs(phases *directive.Set) []string {
	args := []string{"align", "--output", c.OutputDir, "--parent"}
	if c.LockPath != "" {
		args = append(args, "--lock", c.LockPath)
	}
	args = append(args, phases.Flags()...)
	if phases.NoClean() {
		args = append(args, "--no-clean")
	}
	return args
}

// Argv prepends the program to args.
func (c Commands) Argv(args []string) []string {
	return append([]string{c.exe()}, args...)
}

// Deps are the collaborators New wires into a platform.
type Deps struct {
	Work       Work
	Commands   Commands
	Phases     *directive.Set
	Local      LocalOptions
	Cluster    ClusterOptions
	Submitter  Submitter
	Spawner    Spawner
	TaskRecord TaskRecorder
}

// New returns the backend selected by s.Platform for role.
func New(s *jobconfig.Settings, role Role, deps Deps) (Platform, error) {
	switch s.Platform {
	case jobconfig.PlatformLocal, "":
		return &Local{
			Work:      deps.Work,
			Chunks:    s.ChunkCount(),
			Spawner:   deps.Spawner,
			ChildArgs: deps.Commands.ChildArgs,
			Options:   deps.Local,
		}, nil
	case jobconfig.PlatformCluster:
		phases := deps.Phases
		if phases == nil {
			phases = &directive.Set{}
			phases.SetAll()
		}
		return &Cluster{
			Work:       deps.Work,
			Role:       role,
			JobName:    s.Name,
			Chunks:     s.ChunkCount(),
			OutputDir:  s.OutputDir,
			Submitter:  deps.Submitter,
			Tasks:      deps.TaskRecord,
			ChildArgv:  func(n int) []string { return deps.Commands.Argv(deps.Commands.ChildArgs(n)) },
			ParentArgv: func() []string { return deps.Commands.Argv(deps.Commands.ParentArgs(phases)) },
			Options:    deps.Cluster,
		}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", s.Platform)
	}
}
