package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hypervisor is the subset of the hypervisor CLI the sandbox needs. Every call
// targets the single VM the implementation was built for.
type Hypervisor interface {
	TakeSnapshot(ctx context.Context, name string) error
	PowerOff(ctx context.Context) error
	RestoreCurrent(ctx context.Context) error
	// Snapshots lists snapshot UUIDs in the order the hypervisor prints them,
	// ancestors first.
	Snapshots(ctx context.Context) ([]string, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Start(ctx context.Context) error
}

// SandboxOutcome is the end state of one sandboxed scope.
type SandboxOutcome int

const (
	SandboxOK SandboxOutcome = iota
	SandboxBodyFailed
	SandboxRollbackFailed
)

func (o SandboxOutcome) String() string {
	switch o {
	case SandboxOK:
		return "ok"
	case SandboxBodyFailed:
		return "body_failed"
	case SandboxRollbackFailed:
		return "rollback_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SandboxResult reports how a sandboxed scope ended. A rollback failure takes
// precedence over a body failure in Outcome; both errors are kept.
type SandboxResult struct {
	Outcome     SandboxOutcome
	Snapshot    string
	BodyErr     error
	RollbackErr error
}

// Err joins the body and rollback errors.
func (r SandboxResult) Err() error {
	return errors.Join(r.BodyErr, r.RollbackErr)
}

// SandboxController brackets a body with snapshot and rollback so the VM is
// back at its pre-body state afterwards. It performs no locking; callers must
// own the VM exclusively.
type SandboxController struct {
	hv         Hypervisor
	vm         string
	diagnostic func(string)
	logger     *slog.Logger
	metrics    *Metrics
}

// NewSandboxController builds a controller for vm. diagnostic receives the
// rendered body failure; it may be nil.
func NewSandboxController(hv Hypervisor, vm string, diagnostic func(string), logger *slog.Logger, metrics *Metrics) *SandboxController {
	if logger == nil {
		logger = discardLogger
	}
	return &SandboxController{hv: hv, vm: vm, diagnostic: diagnostic, logger: logger, metrics: metrics}
}

// Run takes a snapshot, runs body, then powers the VM off, restores the
// snapshot, deletes every snapshot newest first and starts the VM again. The
// returned error is non-nil only when the snapshot could not be taken, in which
// case body never ran. Body failures, including panics, are reported through
// the result and the diagnostic sink.
func (c *SandboxController) Run(ctx context.Context, body func(context.Context) error) (SandboxResult, error) {
	name := c.snapshotName()
	c.logger.Info("[vbox] creating vbox snapshot", "vm", c.vm, "snapshot", name)
	if err := c.hv.TakeSnapshot(ctx, name); err != nil {
		return SandboxResult{}, &HypervisorError{Op: "take snapshot", Err: err}
	}
	c.logger.Info("[vbox] done.", "vm", c.vm)

	res := SandboxResult{Snapshot: name}
	res.BodyErr = c.runBody(ctx, body)
	if res.BodyErr != nil {
		res.Outcome = SandboxBodyFailed
		if c.diagnostic != nil {
			c.diagnostic(renderDiagnostic(res.BodyErr))
		}
	}

	// The VM must come back even if the caller gave up on the body.
	started := time.Now()
	if err := c.rollback(context.WithoutCancel(ctx)); err != nil {
		res.RollbackErr = err
		res.Outcome = SandboxRollbackFailed
		c.logger.Error("[vbox] rollback failed", "vm", c.vm, "err", err)
	}
	c.metrics.observeSandbox(res.Outcome, time.Since(started).Seconds())
	return res, nil
}

func (c *SandboxController) runBody(ctx context.Context, body func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return body(ctx)
}

func (c *SandboxController) rollback(ctx context.Context) error {
	c.logger.Info("[vbox] rolling back to vbox snapshot", "vm", c.vm)
	if err := c.hv.PowerOff(ctx); err != nil {
		return &HypervisorError{Op: "poweroff", Err: err}
	}
	if err := c.hv.RestoreCurrent(ctx); err != nil {
		return &HypervisorError{Op: "restore snapshot", Err: err}
	}
	if err := c.pruneSnapshots(ctx); err != nil {
		return err
	}
	if err := c.hv.Start(ctx); err != nil {
		return &HypervisorError{Op: "start", Err: err}
	}
	c.logger.Info("[vbox] done.", "vm", c.vm)
	return nil
}

// pruneSnapshots deletes children before their ancestors.
func (c *SandboxController) pruneSnapshots(ctx context.Context) error {
	ids, err := c.hv.Snapshots(ctx)
	if err != nil {
		return &HypervisorError{Op: "list snapshots", Err: err}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if err := c.hv.DeleteSnapshot(ctx, ids[i]); err != nil {
			return &HypervisorError{Op: "delete snapshot " + ids[i], Err: err}
		}
	}
	return nil
}

func (c *SandboxController) snapshotName() string {
	return fmt.Sprintf("%s-sandbox-%s", c.vm, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// renderDiagnostic formats a failure for the output stream: the error, and for
// panics the goroutine stack.
func renderDiagnostic(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	b.WriteByte('\n')
	var p *panicError
	if errors.As(err, &p) {
		b.Write(p.stack)
		if len(p.stack) > 0 && p.stack[len(p.stack)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
