package platform

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSubmitter_Submit(t *testing.T) {
	s := &CommandSubmitter{SubmitTemplate: `echo Your job 4242 ("{{.Name}}") has been submitted`}

	id, err := s.Submit(context.Background(), Task{Name: "sample_parent", Command: []string{"/bin/gorum", "align"}})
	require.NoError(t, err)
	assert.Equal(t, "4242", id)
}

func TestCommandSubmitter_CommandIsQuoted(t *testing.T) {
	out := filepath.Join(t.TempDir(), "argv")
	s := &CommandSubmitter{SubmitTemplate: `sh -c 'printf "%s|" "$@" > ` + out + `; echo 9' argv0 {{.Command}}`}

	_, err := s.Submit(context.Background(), Task{Name: "x", Command: []string{"/bin/gorum", "align", "--output", "/data/my out"}})
	require.NoError(t, err)

	got := readAll(t, out)
	assert.Equal(t, "/bin/gorum|align|--output|/data/my out|", got)
}

func TestCommandSubmitter_RetriesTransientFailures(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	s := &CommandSubmitter{
		SubmitTemplate: `sh -c 'n=$(cat {{.Stdout}} 2>/dev/null || echo 0); echo $((n+1)) > {{.Stdout}}; [ "$n" -ge 2 ] && echo "Submitted batch job 77"'`,
		Retries:        3,
		RetryInterval:  time.Millisecond,
	}

	id, err := s.Submit(context.Background(), Task{Name: "x", Command: []string{"true"}, Stdout: counter})
	require.NoError(t, err)
	assert.Equal(t, "77", id)
	assert.Equal(t, "3\n", readAll(t, counter))
}

func TestCommandSubmitter_GivesUp(t *testing.T) {
	s := &CommandSubmitter{SubmitTemplate: "false", Retries: 1, RetryInterval: time.Millisecond}
	_, err := s.Submit(context.Background(), Task{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit x")
}

func TestCommandSubmitter_NoIDIsPermanent(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	s := &CommandSubmitter{
		SubmitTemplate: `sh -c 'echo x >> {{.Stdout}}; echo submitted'`,
		Retries:        5,
		RetryInterval:  time.Millisecond,
	}
	_, err := s.Submit(context.Background(), Task{Name: "x", Stdout: counter})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task id")
	assert.Equal(t, "x\n", readAll(t, counter))
}

func TestCommandSubmitter_TemplateErrors(t *testing.T) {
	_, err := (&CommandSubmitter{}).Submit(context.Background(), Task{Name: "x"})
	assert.Error(t, err)

	_, err = (&CommandSubmitter{SubmitTemplate: "qsub {{.Nope}}"}).Submit(context.Background(), Task{Name: "x"})
	assert.Error(t, err)
}

func TestCommandSubmitter_Status(t *testing.T) {
	s := &CommandSubmitter{StatusTemplate: `sh -c 'exit {{.ID}}'`}

	status, err := s.Status(context.Background(), "0")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	status, err = s.Status(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status)

	s.StatusTemplate = "definitely-not-a-scheduler-binary {{.ID}}"
	_, err = s.Status(context.Background(), "1")
	assert.Error(t, err)
}

func TestCommandSubmitter_Cancel(t *testing.T) {
	s := &CommandSubmitter{}
	assert.ErrorIs(t, s.Cancel(context.Background(), "1"), ErrNotSupported)

	s.CancelTemplate = "true {{.ID}}"
	assert.NoError(t, s.Cancel(context.Background(), "1"))

	s.CancelTemplate = "false {{.ID}}"
	assert.Error(t, s.Cancel(context.Background(), "1"))
}
