//go:build unix

package joblock

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseOnSignal_RemovesLock(t *testing.T) {
	path := Path(t.TempDir())
	l, err := Acquire(path)
	require.NoError(t, err)

	exited := make(chan int, 1)
	stop := l.ReleaseOnSignal(nil, func(code int) { exited <- code })
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exited:
		assert.Equal(t, 128+int(syscall.SIGTERM), code)
	case <-time.After(5 * time.Second):
		t.Fatal("signal finalizer did not run")
	}
	assert.NoFileExists(t, path)
}

func TestReleaseOnSignal_StopIsIdempotent(t *testing.T) {
	l, err := Acquire(Path(t.TempDir()))
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	stop := l.ReleaseOnSignal(nil, func(int) { t.Error("exit must not be called") })
	stop()
	stop()
}
