package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gorum/internal/config"
	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/jobregistry"
	"github.com/3leaps/gorum/pkg/platform"
)

// finishedJob runs a complete job that keeps its intermediate files.
func finishedJob(t *testing.T) string {
	t.Helper()
	out, index, reads := alignFixture(t)
	_, err := executeRoot(t, "align", "-o", out, "--name", "sample", "--index-config", index, "--dna", "--ram", "6", "--no-clean", reads)
	require.NoError(t, err)
	return out
}

func TestStatus_FinishedJob(t *testing.T) {
	out := finishedJob(t)

	stdout, err := executeRoot(t, "status", "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "name=sample")
	assert.Contains(t, stdout, "lock=free")
	assert.Contains(t, stdout, "complete=true")

	stdout, err = executeRoot(t, "status", "-o", out, "--json")
	require.NoError(t, err)
	var st jobStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.True(t, st.Complete)
	require.Len(t, st.Chunks, 1)
	assert.True(t, st.Chunks[0].Done)
}

func TestStatus_ForeignHostLock(t *testing.T) {
	out := finishedJob(t)
	lockContent := fmt.Sprintf("compute-node-17:%d\n", os.Getpid())
	require.NoError(t, os.WriteFile(joblock.Path(out), []byte(lockContent), 0644))

	stdout, err := executeRoot(t, "status", "-o", out, "--json")
	require.NoError(t, err)
	var st jobStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.True(t, st.Lock.Held)
	assert.True(t, st.Lock.Remote)
	assert.False(t, st.Lock.Alive, "a pid from another host is not probed here")
	assert.Equal(t, "compute-node-17", st.Lock.Host)

	stdout, err = executeRoot(t, "status", "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "host=compute-node-17")
	assert.Contains(t, stdout, "remote, not probed")
}

func TestStatus_NoJob(t *testing.T) {
	_, _, _ = alignFixture(t)
	_, err := executeRoot(t, "status", "-o", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = executeRoot(t, "status")
	assert.ErrorIs(t, err, errwrap.ErrUsage)
}

func TestClean_DryRunThenClean(t *testing.T) {
	out := finishedJob(t)

	stdout, err := executeRoot(t, "clean", "-o", out, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "would remove chunks")
	assert.DirExists(t, filepath.Join(out, "chunks"))

	stdout, err = executeRoot(t, "clean", "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed chunks")
	assert.NoDirExists(t, filepath.Join(out, "chunks"))
	assert.FileExists(t, filepath.Join(out, "RUM.sam"))
}

func TestClean_Refusals(t *testing.T) {
	out := finishedJob(t)

	lock, err := joblock.Acquire(joblock.Path(out))
	require.NoError(t, err)
	_, err = executeRoot(t, "clean", "-o", out)
	assert.ErrorIs(t, err, errwrap.ErrLockHeld)
	require.NoError(t, lock.Release())

	require.NoError(t, os.Remove(filepath.Join(out, "RUM.sam")))
	_, err = executeRoot(t, "clean", "-o", out)
	assert.ErrorIs(t, err, errwrap.ErrVerification)
	assert.DirExists(t, filepath.Join(out, "chunks"))

	_, err = executeRoot(t, "clean", "-o", out, "--force")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(out, "chunks"))
}

type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newTestKiller(t *testing.T, sched canceller) (*killer, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	var out bytes.Buffer
	return &killer{
		store:     jobregistry.ForOutputDir(dir),
		lockPath:  joblock.Path(dir),
		scheduler: sched,
		grace:     5 * time.Second,
		logger:    zap.NewNop(),
		out:       &out,
	}, &out
}

func TestKill_StopsLocalAndSchedulerTasks(t *testing.T) {
	sched := &fakeCanceller{}
	k, out := newTestKiller(t, sched)

	proc := exec.Command("sleep", "30")
	require.NoError(t, proc.Start())
	exited := make(chan struct{})
	go func() { _ = proc.Wait(); close(exited) }()

	now := time.Now().UTC()
	local := &jobregistry.TaskRecord{
		TaskID: "local-task", Kind: jobregistry.TaskKindChunk, Chunk: 1,
		State: jobregistry.TaskStateRunning, PID: proc.Process.Pid, CreatedAt: now, StartedAt: &now,
	}
	require.NoError(t, k.store.Write(local))
	remote, err := k.store.RecordSubmitted(jobregistry.TaskKindChunk, 2, "4242", nil)
	require.NoError(t, err)

	lock, err := joblock.Acquire(k.lockPath)
	require.NoError(t, err)
	lock.Handoff()

	require.NoError(t, k.kill(context.Background()))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("local task still running")
	}
	assert.Equal(t, []string{"4242"}, sched.cancelled)

	active, err := k.store.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
	got, err := k.store.Get(remote.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.TaskStateStopped, got.State)

	assert.NoFileExists(t, k.lockPath, "a handed-off lock records no pid but is still removed")
	assert.Contains(t, out.String(), "scheduler_id=4242 cancelled")
	assert.Contains(t, out.String(), "lock=removed")
}

func TestKill_LeavesForeignHostHolderAlone(t *testing.T) {
	k, out := newTestKiller(t, &fakeCanceller{})

	// A local process that happens to carry the pid recorded for another host.
	proc := exec.Command("sleep", "30")
	require.NoError(t, proc.Start())
	defer func() {
		_ = proc.Process.Kill()
		_ = proc.Wait()
	}()

	require.NoError(t, os.MkdirAll(filepath.Dir(k.lockPath), 0755))
	lockContent := fmt.Sprintf("compute-node-17:%d\n", proc.Process.Pid)
	require.NoError(t, os.WriteFile(k.lockPath, []byte(lockContent), 0644))

	require.NoError(t, k.kill(context.Background()))

	assert.True(t, jobregistry.IsProcessAlive(proc.Process.Pid), "local process with the same pid is not signalled")
	assert.Contains(t, out.String(), "skipped=remote")
	assert.NoFileExists(t, k.lockPath)
}

func TestKill_NothingToStop(t *testing.T) {
	k, out := newTestKiller(t, &fakeCanceller{})
	require.NoError(t, k.kill(context.Background()))
	assert.Contains(t, out.String(), "nothing to stop")
}

func TestKill_CancelUnsupportedLeavesRecord(t *testing.T) {
	k, _ := newTestKiller(t, &fakeCanceller{err: platform.ErrNotSupported})
	rec, err := k.store.RecordSubmitted(jobregistry.TaskKindCoordinator, 0, "77", nil)
	require.NoError(t, err)

	require.NoError(t, k.kill(context.Background()))
	got, err := k.store.Get(rec.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.TaskStateQueued, got.State)
}

func TestKill_CancelFailureIsReported(t *testing.T) {
	k, _ := newTestKiller(t, &fakeCanceller{err: errors.New("qdel: unknown job")})
	_, err := k.store.RecordSubmitted(jobregistry.TaskKindChunk, 1, "9", nil)
	require.NoError(t, err)

	err = k.kill(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdel: unknown job")
}

type fixedDetector struct {
	gb float64
	ok bool
}

func (d fixedDetector) Detect(context.Context) (float64, string, bool) {
	return d.gb, "fixed", d.ok
}

func TestDoctor_MemoryCheck(t *testing.T) {
	cfg := &config.Config{}
	r := memoryCheck(context.Background(), cfg, fixedDetector{gb: 16, ok: true})
	assert.Equal(t, checkOK, r.Status)
	assert.Contains(t, r.Detail, "16 GiB via fixed")

	r = memoryCheck(context.Background(), cfg, fixedDetector{})
	assert.Equal(t, checkWarn, r.Status)

	cfg.RAM.TotalGB = 8
	r = memoryCheck(context.Background(), cfg, fixedDetector{})
	assert.Equal(t, checkOK, r.Status)
	assert.Contains(t, r.Detail, "ram.total_gb")
}

func TestDoctor_CommandCheck(t *testing.T) {
	tests := []struct {
		name     string
		template string
		strict   bool
		want     checkStatus
	}{
		{name: "on path", template: "sh -c 'echo {{.ID}}'", want: checkOK},
		{name: "missing", template: "no-such-scheduler-xyz {{.ID}}", want: checkWarn},
		{name: "missing strict", template: "no-such-scheduler-xyz {{.ID}}", strict: true, want: checkFail},
		{name: "not configured", template: "", want: checkWarn},
		{name: "unparseable", template: "qsub 'unterminated", want: checkFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, commandCheck("submit command", tt.template, tt.strict).Status)
		})
	}
}

func TestDoctor_ConfigFileCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, checkOK, configFileCheck(filepath.Join(dir, "missing.yaml")).Status)
	assert.Equal(t, checkFail, configFileCheck(dir).Status)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ram:\n  policy: warn\n"), 0644))
	r := configFileCheck(path)
	assert.Equal(t, checkOK, r.Status)
	assert.Equal(t, path, r.Detail)
}
