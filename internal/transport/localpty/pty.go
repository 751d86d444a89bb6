// Package localpty runs the session shell as a local process on a
// pseudo-terminal. It backs `vmrunner exec --local` and the integration tests.
package localpty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/antonkrylov/vmrunner/internal/shellproto"
)

// Config describes the local shell process.
type Config struct {
	// Shell is the program to start. Defaults to /bin/sh.
	Shell string
	Args  []string
	Dir   string
	// Env is appended to the current environment.
	Env    map[string]string
	Logger *slog.Logger
}

const settleTimeout = 10 * time.Second

// Start launches the shell and returns it wrapped in the marker protocol.
func Start(cfg Config) (*shellproto.Shell, error) {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	newCmd := func() *exec.Cmd {
		cmd := exec.Command(cfg.Shell, cfg.Args...)
		cmd.Dir = cfg.Dir
		// A shell on a terminal is interactive and would print prompts
		// between the lines of a script.
		cmd.Env = append(os.Environ(), "PS1=", "PS2=", "PS4=")
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return cmd
	}

	cmd := newCmd()
	f, err := startPTY(cmd, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		cmd = newCmd()
		f, err = startPTY(cmd, false)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Shell, err)
	}
	logger.Debug("local shell started", "shell", cfg.Shell, "pid", cmd.Process.Pid)

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	closer := func() error {
		select {
		case <-exited:
		default:
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Warn("kill local shell", "err", err)
			}
			<-exited
		}
		return f.Close()
	}
	// The shell reads from the terminal through the master side; closing our
	// stdin end must not close the master before the closer runs.
	sh := shellproto.New(nopCloser{f}, eioReader{f}, closer, logger)
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := sh.Settle(ctx); err != nil {
		_ = sh.Close()
		return nil, err
	}
	return sh, nil
}

func startPTY(cmd *exec.Cmd, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	_ = pty.Setsize(ptyFile, &pty.Winsize{Cols: 200, Rows: 50})
	if err := rawOutput(ttyFile); err != nil {
		_ = ptyFile.Close()
		return nil, fmt.Errorf("configure terminal: %w", err)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	}
	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// eioReader reports EIO from the master side, which Linux returns once the
// shell has exited, as a plain end of stream.
type eioReader struct{ r io.Reader }

func (e eioReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}
