package shellproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/antonkrylov/vmrunner/internal/shell"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ErrShellExited is reported when the output stream ends.
var ErrShellExited = errors.New("shell exited")

// Shell implements shell.Transport over a stdin/output pipe pair.
type Shell struct {
	stdin  io.WriteCloser
	closer func() error
	logger *slog.Logger

	mu      sync.Mutex
	current *command
	idle    chan struct{}
	readErr error
	closed  bool

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

type command struct {
	id      string
	shell   *Shell
	handler shell.Handler
	scanner *exitScanner
}

// Kill tears down the whole shell: without a controlling terminal there is no
// way to interrupt just the running command.
func (c *command) Kill() error {
	return c.shell.Close()
}

// New starts reading output and returns a Shell ready for commands. closer
// releases whatever owns the pipes (session, process) and is called once by
// Close.
func New(stdin io.WriteCloser, output io.Reader, closer func() error, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = discardLogger
	}
	idle := make(chan struct{})
	close(idle)
	s := &Shell{
		stdin:      stdin,
		closer:     closer,
		logger:     logger,
		idle:       idle,
		readerDone: make(chan struct{}),
	}
	go s.readLoop(output)
	return s
}

// Start writes command to the shell followed by its exit marker line.
func (s *Shell) Start(script string, h shell.Handler) (shell.Process, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	cmd := &command{id: id, shell: s, handler: h, scanner: newExitScanner(id)}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, shell.ErrClosed
	case s.readErr != nil:
		err := s.readErr
		s.mu.Unlock()
		return nil, err
	case s.current != nil:
		s.mu.Unlock()
		return nil, shell.ErrBusy
	}
	s.current = cmd
	s.idle = make(chan struct{})
	s.mu.Unlock()

	payload := script + "\necho " + string(markerToken(id)) + "$?\n"
	if _, err := io.WriteString(s.stdin, payload); err != nil {
		s.finish(cmd)
		return nil, fmt.Errorf("write command: %w", err)
	}
	return cmd, nil
}

// Settle runs a no-op command and discards everything the shell printed up
// to its marker, such as a login banner or a job-control warning, so the
// first real command starts with a clean stream. On error the shell should be
// closed.
func (s *Shell) Settle(ctx context.Context) error {
	done := make(chan error, 1)
	discarded := 0
	_, err := s.Start(":", shell.Handler{
		OnOutput: func(b []byte) { discarded += len(b) },
		OnFinish: func(_ int, err error) { done <- err },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		if discarded > 0 {
			s.logger.Debug("discarded shell start-up output", "bytes", discarded)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("shell did not settle: %w", ctx.Err())
	}
}

// Wait blocks until no command is in flight or the shell has exited.
func (s *Shell) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-s.readerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the shell. A command still in flight finishes with an error.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		errs := []error{s.stdin.Close()}
		if s.closer != nil {
			errs = append(errs, s.closer())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Shell) readLoop(r io.Reader) {
	defer close(s.readerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.dispatch(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrShellExited
			}
			s.fail(err)
			return
		}
	}
}

func (s *Shell) dispatch(data []byte) {
	s.mu.Lock()
	cmd := s.current
	s.mu.Unlock()
	if cmd == nil {
		s.logger.Debug("shell output with no command in flight", "bytes", len(data))
		return
	}
	out, status, done, rest := cmd.scanner.feed(data)
	if len(out) > 0 && cmd.handler.OnOutput != nil {
		cmd.handler.OnOutput(out)
	}
	if !done {
		return
	}
	if len(rest) > 0 {
		s.logger.Debug("shell output after exit marker", "bytes", len(rest))
	}
	s.finish(cmd)
	if cmd.handler.OnFinish != nil {
		cmd.handler.OnFinish(status, nil)
	}
}

func (s *Shell) fail(err error) {
	s.mu.Lock()
	s.readErr = err
	cmd := s.current
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	if tail := cmd.scanner.drain(); len(tail) > 0 && cmd.handler.OnOutput != nil {
		cmd.handler.OnOutput(tail)
	}
	s.finish(cmd)
	if cmd.handler.OnFinish != nil {
		cmd.handler.OnFinish(-1, fmt.Errorf("shell stream: %w", err))
	}
}

func (s *Shell) finish(cmd *command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != cmd {
		return
	}
	s.current = nil
	close(s.idle)
}
