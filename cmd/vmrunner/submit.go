package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/broker"
	"github.com/antonkrylov/vmrunner/internal/job"
)

func newSubmitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <payload.json|->",
		Short: "Publish a job payload to the NATS jobs stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, payload, err := readPayload(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			brk, err := broker.Connect(ctx, brokerOptions(root.cfg, "vmrunner-submit"), root.logger)
			if err != nil {
				return err
			}
			defer brk.Close()
			if err := brk.SubmitJob(ctx, string(payload.Build.ID), data); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "submitted job=%s type=%s\n", payload.Build.ID, job.Classify(payload))
			return nil
		},
	}
}
