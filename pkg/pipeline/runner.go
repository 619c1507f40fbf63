package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/pkg/indexconfig"
	"github.com/3leaps/gorum/pkg/jobconfig"
)

// OutputDirEnv carries the job's output directory to every spawned command.
const OutputDirEnv = "GORUM_OUTPUT_DIR"

// StepData is what step command templates can reference.
type StepData struct {
	OutputDir   string
	Name        string
	Chunk       int
	Chunks      int
	Reads       []string
	ChunkReads  []string
	ChunkDir    string
	Genome      string
	Annotations string
	Settings    *jobconfig.Settings
}

// Runner executes one step. Diagnostics go to errLog.
type Runner interface {
	Run(ctx context.Context, step indexconfig.Step, data StepData, errLog io.Writer) error
}

// ExecRunner renders step commands and runs them directly (no shell).
type ExecRunner struct {
	// Env is appended to the process environment.
	Env    []string
	Stdout io.Writer
	Logger *zap.Logger
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"quote": shellQuote,
}

// Render expands a step's command template and splits it into argv.
func Render(step indexconfig.Step, data StepData) ([]string, error) {
	tmpl, err := template.New(step.Name).Option("missingkey=error").Funcs(funcs).Parse(step.Command)
	if err != nil {
		return nil, fmt.Errorf("parse step %s: %w", step.Name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render step %s: %w", step.Name, err)
	}
	argv, err := shlex.Split(buf.String())
	if err != nil {
		return nil, fmt.Errorf("split step %s: %w", step.Name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("step %s renders to an empty command", step.Name)
	}
	return argv, nil
}

func (r *ExecRunner) Run(ctx context.Context, step indexconfig.Step, data StepData, errLog io.Writer) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	argv, err := Render(step, data)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = data.OutputDir
	cmd.Env = append(os.Environ(), OutputDirEnv+"="+data.OutputDir)
	cmd.Env = append(cmd.Env, r.Env...)
	cmd.Stderr = errLog
	cmd.Stdout = io.Discard
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
	}

	logger.Debug("Running step",
		zap.String("step", step.Name),
		zap.Int("chunk", data.Chunk),
		zap.Strings("argv", argv))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
