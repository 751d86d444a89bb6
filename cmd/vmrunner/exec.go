package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/shell"
	"github.com/antonkrylov/vmrunner/internal/transport/localpty"
	"github.com/antonkrylov/vmrunner/internal/transport/sshshell"
	"github.com/antonkrylov/vmrunner/internal/worker"
)

type execFlags struct {
	local     bool
	sandboxed bool
	noEcho    bool
	evaluate  bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	flags := &execFlags{}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- <command> [<command>...]",
		Short: "Run commands in one shell session on the VM",
		Long: "Each argument is one command line. All of them run in the same shell, so\n" +
			"directory changes and exported variables carry over from one to the next.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			sess, release, err := openExecSession(ctx, root, flags)
			if err != nil {
				return err
			}
			defer release()
			defer sess.Close(context.WithoutCancel(ctx))
			sess.OnOutput(func(s string) { fmt.Fprint(os.Stdout, s) })

			if flags.evaluate {
				out, err := sess.Evaluate(ctx, shell.Command(args))
				fmt.Fprint(os.Stdout, out)
				return exitStatus(err)
			}

			var status error
			run := func(ctx context.Context) error {
				for _, line := range args {
					var opts []shell.ExecOption
					if flags.noEcho {
						opts = append(opts, shell.WithoutEcho())
					}
					res := sess.Execute(ctx, shell.Command{line}, opts...)
					if !res.OK() {
						status = exitStatus(res.Err)
						return res.Err
					}
				}
				return nil
			}
			if !flags.sandboxed {
				_ = run(ctx)
				return status
			}
			res, err := sess.Sandboxed(ctx, run)
			if err != nil {
				return err
			}
			root.logger.Info("sandbox finished", "outcome", res.Outcome.String(), "snapshot", res.Snapshot)
			if res.RollbackErr != nil {
				return res.RollbackErr
			}
			return status
		},
	}
	cmd.Flags().BoolVar(&flags.local, "local", false, "run against a local shell instead of the VM")
	cmd.Flags().BoolVar(&flags.sandboxed, "sandboxed", false, "snapshot the VM first and roll it back afterwards")
	cmd.Flags().BoolVar(&flags.noEcho, "no-echo", false, "do not print \"$ command\" before each command")
	cmd.Flags().BoolVar(&flags.evaluate, "evaluate", false, "run the commands as one script and print only its output")
	return cmd
}

// openExecSession returns the session and a func releasing the VM lock a
// sandboxed session holds.
func openExecSession(ctx context.Context, root *rootOptions, flags *execFlags) (*shell.Session, func(), error) {
	cfg := root.cfg
	noop := func() {}
	if flags.local {
		if flags.sandboxed {
			return nil, nil, fmt.Errorf("--sandboxed needs a VM; drop --local")
		}
		tr, err := localpty.Start(localpty.Config{Logger: root.logger})
		if err != nil {
			return nil, nil, err
		}
		sess, err := shell.New(shell.Options{VM: "local", Transport: tr, ExecTimeout: cfg.Exec.Timeout, Logger: root.logger})
		if err != nil {
			_ = tr.Close()
			return nil, nil, err
		}
		return sess, noop, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	opts := shell.Options{VM: cfg.VM.Name, ExecTimeout: cfg.Exec.Timeout, Logger: root.logger}
	release := noop
	if flags.sandboxed {
		lock, err := worker.LockVM(cfg.LockPath())
		if err != nil {
			return nil, nil, err
		}
		release = func() { _ = lock.Unlock() }
		hv, err := worker.NewVBox(cfg, root.logger)
		if err != nil {
			release()
			return nil, nil, err
		}
		opts.Hypervisor = hv
	}
	tr, err := sshshell.Dial(ctx, worker.SSHConfig(cfg, root.logger))
	if err != nil {
		release()
		return nil, nil, err
	}
	opts.Transport = tr
	sess, err := shell.New(opts)
	if err != nil {
		_ = tr.Close()
		release()
		return nil, nil, err
	}
	return sess, release, nil
}

// exitStatus maps a command failure onto the process exit status.
func exitStatus(err error) error {
	if err == nil {
		return nil
	}
	var execErr *shell.ExecError
	if errors.As(err, &execErr) && execErr.Kind == shell.KindExitNonZero {
		return &exitCodeError{code: execErr.Status}
	}
	return fmt.Errorf("%s", strings.TrimSpace(err.Error()))
}
