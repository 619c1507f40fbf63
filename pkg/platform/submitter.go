package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/shlex"
	"go.uber.org/zap"
)

// Task is one unit of work handed to a scheduler.
type Task struct {
	Name    string
	Command []string
	Stdout  string
	Stderr  string
}

// TaskStatus is what the scheduler says about a submitted task.
type TaskStatus int

const (
	StatusRunning TaskStatus = iota
	StatusFinished
)

// Submitter talks to a cluster scheduler.
type Submitter interface {
	Submit(ctx context.Context, task Task) (id string, err error)
	Status(ctx context.Context, id string) (TaskStatus, error)
	Cancel(ctx context.Context, id string) error
}

// CommandSubmitter drives a scheduler through command templates, e.g.
// qsub/qstat/qdel or sbatch/squeue/scancel.
//
// Submit templates see .Name, .Command (shell-quoted), .Args, .Stdout and
// .Stderr; status and cancel templates see .ID. A status command exiting 0
// means the task is still known to the scheduler; non-zero means it left.
type CommandSubmitter struct {
	SubmitTemplate string
	StatusTemplate string
	CancelTemplate string

	// Retries is how many times a failed submission is retried.
	Retries int
	// RetryInterval is the initial backoff; defaults to 2s.
	RetryInterval time.Duration
	Logger        *zap.Logger
}

var schedulerID = regexp.MustCompile(`\d+`)

type submitData struct {
	Name    string
	Command string
	Args    []string
	Stdout  string
	Stderr  string
}

type idData struct {
	ID string
}

func (c *CommandSubmitter) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *CommandSubmitter) Submit(ctx context.Context, task Task) (string, error) {
	quoted := make([]string, 0, len(task.Command))
	for _, a := range task.Command {
		quoted = append(quoted, shellQuote(a))
	}
	argv, err := renderArgv("submit", c.SubmitTemplate, submitData{
		Name:    task.Name,
		Command: strings.Join(quoted, " "),
		Args:    task.Command,
		Stdout:  task.Stdout,
		Stderr:  task.Stderr,
	})
	if err != nil {
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		b.InitialInterval = c.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.Retries, 0))), ctx)

	var id string
	attempt := 0
	op := func() error {
		attempt++
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			c.logger().Warn("Submission failed",
				zap.String("task", task.Name),
				zap.Int("attempt", attempt),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
			return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
		}
		id = schedulerID.FindString(string(out))
		if id == "" {
			return backoff.Permanent(fmt.Errorf("no task id in scheduler output %q", strings.TrimSpace(string(out))))
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("submit %s: %w", task.Name, err)
	}

	c.logger().Info("Submitted task", zap.String("task", task.Name), zap.String("id", id))
	return id, nil
}

func (c *CommandSubmitter) Status(ctx context.Context, id string) (TaskStatus, error) {
	argv, err := renderArgv("status", c.StatusTemplate, idData{ID: id})
	if err != nil {
		return StatusRunning, err
	}
	err = exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
	if err == nil {
		return StatusRunning, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return StatusFinished, nil
	}
	return StatusRunning, fmt.Errorf("status %s: %w", id, err)
}

func (c *CommandSubmitter) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(c.CancelTemplate) == "" {
		return ErrNotSupported
	}
	argv, err := renderArgv("cancel", c.CancelTemplate, idData{ID: id})
	if err != nil {
		return err
	}
	if out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("cancel %s: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func renderArgv(name, text string, data any) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s command is not configured", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s command: %w", name, err)
	}
	argv, err := shlex.Split(buf.String())
	if err != nil {
		return nil, fmt.Errorf("split %s command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s command is empty", name)
	}
	return argv, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
