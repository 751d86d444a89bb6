package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Options configure a Session.
type Options struct {
	// VM names the virtual machine the session drives.
	VM string
	// Transport is an already connected shell on the VM. The session owns it
	// from here on and closes it in Close.
	Transport Transport
	// Hypervisor controls snapshots of VM. Required for Sandboxed.
	Hypervisor Hypervisor
	// ExecTimeout bounds each command. Zero waits forever.
	ExecTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Session executes build commands on one VM over one persistent shell and
// republishes their output. A Session is not safe for concurrent use beyond
// the sequencing its Channel provides.
type Session struct {
	vm      string
	channel *Channel
	buffer  *Buffer
	sandbox *SandboxController
	trans   Transport
	logger  *slog.Logger
	metrics *Metrics
	closed  atomic.Bool
}

// New builds a Session around an established transport.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if strings.TrimSpace(opts.VM) == "" {
		return nil, fmt.Errorf("vm name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	s := &Session{
		vm:      opts.VM,
		channel: NewChannel(opts.Transport, opts.ExecTimeout, logger),
		buffer:  &Buffer{},
		trans:   opts.Transport,
		logger:  logger,
		metrics: opts.Metrics,
	}
	if opts.Hypervisor != nil {
		s.sandbox = NewSandboxController(opts.Hypervisor, opts.VM, s.buffer.Append, logger, opts.Metrics)
	}
	return s, nil
}

// VM returns the name of the machine this session drives.
func (s *Session) VM() string { return s.vm }

// ExecOption tweaks a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	echo bool
}

// WithoutEcho submits the command as is, without the "$ command" transcript line.
func WithoutEcho() ExecOption {
	return func(o *execOptions) { o.echo = false }
}

// Execute runs cmd, streaming its output into the session buffer. It never
// returns an error directly: failures to run are written to the buffer as a
// diagnostic and reported through the Result kind.
func (s *Session) Execute(ctx context.Context, cmd Command, opts ...ExecOption) Result {
	o := execOptions{echo: true}
	for _, fn := range opts {
		fn(&o)
	}
	if s.closed.Load() {
		return Result{Kind: KindTransport, Status: -1, Err: ErrClosed}
	}
	script := cmd.String()
	if o.echo {
		script = Echoize(cmd...)
	}

	started := time.Now()
	status, err := s.channel.Exec(ctx, script, func(data []byte) {
		s.buffer.Append(string(data))
	})
	res := Result{Status: status}
	switch {
	case err != nil:
		res.Kind = KindOf(err)
		res.Err = &ExecError{Kind: res.Kind, Command: cmd.String(), Status: status, Err: err}
		s.output(renderDiagnostic(res.Err))
	case status != 0:
		res.Kind = KindExitNonZero
		res.Err = &ExecError{Kind: KindExitNonZero, Command: cmd.String(), Status: status}
	}
	s.metrics.observeCommand(res.Kind, time.Since(started).Seconds())
	return res
}

// Evaluate runs cmd without echoing and returns its captured output. The
// output does not reach the session buffer. A non-zero exit status is an
// *ExecError of KindExitNonZero carrying the output.
func (s *Session) Evaluate(ctx context.Context, cmd Command) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	var captured strings.Builder
	started := time.Now()
	status, err := s.channel.Exec(ctx, cmd.String(), func(data []byte) {
		captured.Write(data)
	})
	out := captured.String()
	if err != nil {
		execErr := &ExecError{Kind: KindOf(err), Command: cmd.String(), Status: status, Output: out, Err: err}
		s.output(renderDiagnostic(execErr))
		s.metrics.observeCommand(execErr.Kind, time.Since(started).Seconds())
		return out, execErr
	}
	if status != 0 {
		s.metrics.observeCommand(KindExitNonZero, time.Since(started).Seconds())
		return out, &ExecError{Kind: KindExitNonZero, Command: cmd.String(), Status: status, Output: out}
	}
	s.metrics.observeCommand(KindOK, time.Since(started).Seconds())
	return out, nil
}

// Sandboxed runs body between a VM snapshot and an unconditional rollback.
// See SandboxController.Run.
func (s *Session) Sandboxed(ctx context.Context, body func(context.Context) error) (SandboxResult, error) {
	if s.closed.Load() {
		return SandboxResult{}, ErrClosed
	}
	if s.sandbox == nil {
		return SandboxResult{}, fmt.Errorf("session for %s has no hypervisor", s.vm)
	}
	return s.sandbox.Run(ctx, body)
}

// OnOutput makes fn the single receiver of session output, replacing any
// previous receiver.
func (s *Session) OnOutput(fn func(string)) {
	s.buffer.Subscribe(fn)
}

// Output returns all output the session has produced so far.
func (s *Session) Output() string { return s.buffer.String() }

// Close waits for the shell to go quiet, closes the transport and flushes the
// buffer. Only the first call does anything; later calls return ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var errs []error
	if !s.channel.Broken() {
		if err := s.trans.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for shell: %w", err))
		}
	}
	if err := s.trans.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close shell: %w", err))
	}
	s.buffer.Flush()
	return errors.Join(errs...)
}

// output writes a worker-side message into the stream and the log.
func (s *Session) output(text string) {
	s.logger.Warn("session diagnostic", "vm", s.vm, "text", strings.TrimSpace(text))
	s.buffer.Append(text)
}
