package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/broker"
	"github.com/antonkrylov/vmrunner/internal/job"
	"github.com/antonkrylov/vmrunner/internal/worker"
)

// readPayload reads a JSON payload from path, or stdin for "-".
func readPayload(path string) ([]byte, *job.Payload, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	p, err := job.Decode(data)
	return data, p, err
}

func newPerformCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "perform <payload.json|->",
		Short: "Run a single job payload on the VM and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, payload, err := readPayload(args[0])
			if err != nil {
				return err
			}
			lock, err := worker.LockVM(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			ctx, stop := signalContext(cmd)
			defer stop()

			var brk *broker.Broker
			if cfg.Reporter.Kind == "nats" {
				brk, err = broker.Connect(ctx, brokerOptions(cfg, worker.Name(cfg.VM.Name)), root.logger)
				if err != nil {
					return err
				}
				defer brk.Close()
			}
			runner, err := newRunner(root, nil, brk, nil)
			if err != nil {
				return err
			}
			return runner.Perform(ctx, payload)
		},
	}
}
