package shellproto

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/vmrunner/internal/shell"
)

func startSh(t *testing.T, args ...string) *Shell {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	require.NoError(t, cmd.Start())
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	s := New(stdin, pr, func() error {
		_ = cmd.Process.Kill()
		return nil
	}, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recorder struct {
	mu     sync.Mutex
	out    strings.Builder
	status int
	err    error
	done   chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) handler() shell.Handler {
	return shell.Handler{
		OnOutput: func(b []byte) {
			r.mu.Lock()
			r.out.Write(b)
			r.mu.Unlock()
		},
		OnFinish: func(status int, err error) {
			r.status, r.err = status, err
			close(r.done)
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish")
	}
}

func (r *recorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func TestShellRunsCommandsWithStatus(t *testing.T) {
	s := startSh(t)

	rec := newRecorder()
	_, err := s.Start("echo hello\necho oops 1>&2\nfalse", rec.handler())
	require.NoError(t, err)
	rec.wait(t)
	require.NoError(t, rec.err)
	require.Equal(t, 1, rec.status)
	require.Equal(t, "hello\noops\n", rec.output())
}

func TestShellKeepsStateBetweenCommands(t *testing.T) {
	s := startSh(t)

	first := newRecorder()
	_, err := s.Start("cd / && export GREETING=hi", first.handler())
	require.NoError(t, err)
	first.wait(t)
	require.Zero(t, first.status)

	second := newRecorder()
	_, err = s.Start(`pwd; echo "$GREETING"`, second.handler())
	require.NoError(t, err)
	second.wait(t)
	require.Equal(t, "/\nhi\n", second.output())
	require.NoError(t, s.Wait(context.Background()))
}

func TestShellRejectsOverlap(t *testing.T) {
	s := startSh(t)

	rec := newRecorder()
	_, err := s.Start("sleep 0.2", rec.handler())
	require.NoError(t, err)
	_, err = s.Start("true", shell.Handler{})
	require.ErrorIs(t, err, shell.ErrBusy)
	rec.wait(t)
}

func TestShellExitFailsInFlightCommand(t *testing.T) {
	s := startSh(t)

	rec := newRecorder()
	_, err := s.Start("exit 3", rec.handler())
	require.NoError(t, err)
	rec.wait(t)
	require.Error(t, rec.err)
	require.Equal(t, -1, rec.status)

	_, err = s.Start("true", shell.Handler{})
	require.Error(t, err)
}

func TestSettleDropsStartupOutput(t *testing.T) {
	s := startSh(t, "-c", "echo welcome to the build vm; exec sh")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Settle(ctx))

	rec := newRecorder()
	_, err := s.Start("echo first", rec.handler())
	require.NoError(t, err)
	rec.wait(t)
	require.Equal(t, "first\n", rec.output())
}
