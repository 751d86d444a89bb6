package shell

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies how a command or sandbox phase ended.
type Kind int

const (
	KindOK Kind = iota
	KindTransport
	KindExitNonZero
	KindHypervisor
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransport:
		return "transport"
	case KindExitNonZero:
		return "exit_non_zero"
	case KindHypervisor:
		return "hypervisor"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrClosed is returned by every Session call made after Close.
	ErrClosed = errors.New("shell: session closed")
	// ErrBusy is returned by a Transport asked to start a command while another is in flight.
	ErrBusy = errors.New("shell: a command is already in flight")
	// ErrTimeout marks a command that did not report an exit status in time.
	ErrTimeout = errors.New("shell: command timed out")
	// ErrChannelBroken is returned once a command was abandoned mid-flight; the remote
	// shell may still be running it, so the channel refuses further work.
	ErrChannelBroken = errors.New("shell: channel broken by an abandoned command")
)

// ExecError describes a command that could not run or exited non-zero.
type ExecError struct {
	Kind    Kind
	Command string
	Status  int
	Output  string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Kind == KindExitNonZero {
		return fmt.Sprintf("command %s failed with status %d: %s", e.Command, e.Status, e.Output)
	}
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// HypervisorError wraps a failure of the hypervisor CLI bridge.
type HypervisorError struct {
	Op  string
	Err error
}

func (e *HypervisorError) Error() string {
	return fmt.Sprintf("hypervisor %s: %v", e.Op, e.Err)
}

func (e *HypervisorError) Unwrap() error { return e.Err }

// KindOf reports the Kind of err. A nil error is KindOK.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	var hvErr *HypervisorError
	if errors.As(err, &hvErr) {
		return KindHypervisor
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// Result is what Execute reports instead of raising.
type Result struct {
	Kind   Kind
	Status int
	Err    error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool { return r.Kind == KindOK }
