// Package joblock is the mutual-exclusion sentinel for a job's output
// directory: a file whose existence means a live gorum run owns the job.
//
// Acquisition never waits. The holder's host and pid are written into the
// file as "host:pid" for operator tooling only; ownership is the file's
// existence.
package joblock

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/jobconfig"
)

// FileName is the lock file name inside the control directory.
const FileName = "lock"

// Path returns the lock path for an output directory.
func Path(outputDir string) string {
	return filepath.Join(jobconfig.ControlDir(outputDir), FileName)
}

// Lock is a handle on an acquired (or adopted) lock file.
type Lock struct {
	path string

	mu       sync.Mutex
	released bool
	handoff  bool
}

// Acquire creates the lock file at path. If it already exists the call
// fails immediately with an ErrLockHeld error naming the path.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errwrap.WrapEnvironment(err, "create lock directory")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errwrap.NewLockHeldError(path, err)
		}
		return nil, errwrap.WrapEnvironment(err, "create lock file")
	}
	_, _ = f.WriteString(self().String() + "\n")
	_ = f.Close()

	return &Lock{path: path}, nil
}

// Adopt takes ownership of a lock created by another process, typically
// the submitter that started this coordinator. A missing file is recreated.
func Adopt(path string) (*Lock, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, errwrap.WrapEnvironment(err, "stat lock file")
		}
		return Acquire(path)
	}
	if err := writeOwner(path, self()); err != nil {
		return nil, errwrap.WrapEnvironment(err, "adopt lock file")
	}
	return &Lock{path: path}, nil
}

// Owner identifies the process recorded in a lock file. A zero PID means
// no process is recorded, as after Handoff.
type Owner struct {
	Host string
	PID  int
}

func (o Owner) String() string {
	return o.Host + ":" + strconv.Itoa(o.PID)
}

// Local reports whether the owner runs on this host, the only case in which
// its pid may be probed or signalled.
func (o Owner) Local() bool {
	return o.Host != "" && o.Host == hostname()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func self() Owner {
	return Owner{Host: hostname(), PID: os.Getpid()}
}

func writeOwner(path string, o Owner) error {
	return os.WriteFile(path, []byte(o.String()+"\n"), 0644)
}

// parseOwner reads "host:pid". Content without a host (or unparseable
// content) yields an owner that is never Local.
func parseOwner(content string) Owner {
	content = strings.TrimSpace(content)
	i := strings.LastIndex(content, ":")
	if i < 0 {
		return Owner{}
	}
	pid, err := strconv.Atoi(content[i+1:])
	if err != nil {
		return Owner{}
	}
	return Owner{Host: content[:i], PID: pid}
}

// Path returns the lock file path. Nil-safe.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release removes the lock file. It is idempotent, nil-safe and a no-op
// after Handoff.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released || l.handoff {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errwrap.WrapEnvironment(err, "remove lock file")
	}
	return nil
}

// Handoff gives up ownership without removing the file, for when another
// process (a submitted coordinator) will release it. The recorded pid is
// cleared so nothing signals this process's number once it has exited.
func (l *Lock) Handoff() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.handoff {
		return
	}
	l.handoff = true
	_ = writeOwner(l.path, Owner{Host: hostname()})
}

// ReleaseOnSignal installs a finalizer for SIGINT and SIGTERM that releases
// the lock and calls exit with 128+signal. The returned func uninstalls it.
func (l *Lock) ReleaseOnSignal(logger *zap.Logger, exit func(code int)) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exit == nil {
		exit = os.Exit
	}

	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			logger.Warn("Caught signal, releasing lock", zap.String("signal", sig.String()), zap.String("lock", l.Path()))
			if err := l.Release(); err != nil {
				logger.Error("Failed to release lock", zap.Error(err))
			}
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			exit(code)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}

// Holder reports the owner recorded in the lock file at path. held is false
// when no lock file exists.
func Holder(path string) (owner Owner, held bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Owner{}, false, nil
		}
		return Owner{}, false, err
	}
	return parseOwner(string(b)), true, nil
}
