package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/worker"
)

func newSnapshotsCmd(root *rootOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List the VM's snapshots, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if strings.TrimSpace(cfg.VM.Name) == "" {
				return fmt.Errorf("vm.name is required (flag --vm or VMRUNNER_VM)")
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			hv, err := worker.NewVBox(cfg, root.logger)
			if err != nil {
				return err
			}
			if raw {
				info, err := hv.Info(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(os.Stdout, info)
				return nil
			}
			ids, err := hv.Snapshots(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(os.Stdout, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the full showvminfo output")
	return cmd
}
