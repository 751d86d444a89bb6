package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/broker"
	"github.com/antonkrylov/vmrunner/internal/config"
	"github.com/antonkrylov/vmrunner/internal/worker"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var checkNATS bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			out := os.Stdout

			exe, _ := os.Executable()
			fmt.Fprintf(out, "vmrunner_executable=%s\n", exe)
			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			fileCfg, err := config.Load(root.configPath)
			switch {
			case err != nil:
				fmt.Fprintf(out, "config_error=%s\n", err)
			case fileCfg == nil:
				fmt.Fprintln(out, "config_present=false")
			default:
				fmt.Fprintln(out, "config_present=true")
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "config_invalid=%q\n", err.Error())
			}

			fmt.Fprintf(out, "vm=%s\n", cfg.VM.Name)
			fmt.Fprintf(out, "worker_name=%s\n", worker.Name(cfg.VM.Name))
			if path, err := exec.LookPath(cfg.VM.Manage); err != nil {
				fmt.Fprintf(out, "vboxmanage_missing=%s\n", cfg.VM.Manage)
			} else {
				fmt.Fprintf(out, "vboxmanage=%s\n", path)
			}
			fmt.Fprintf(out, "vbox_log=%s\n", cfg.VM.Log)

			addr := net.JoinHostPort(cfg.SSH.Host, strconv.Itoa(cfg.SSH.Port))
			fmt.Fprintf(out, "ssh_addr=%s\n", addr)
			fmt.Fprintf(out, "ssh_user=%s\n", cfg.SSH.User)
			if info, err := os.Stat(cfg.SSH.PrivateKey); err != nil {
				fmt.Fprintf(out, "ssh_key_error=%s\n", err)
			} else {
				fmt.Fprintf(out, "ssh_key=%s mode=%o\n", cfg.SSH.PrivateKey, info.Mode().Perm())
				if info.Mode().Perm()&0o077 != 0 {
					fmt.Fprintln(out, "warning=ssh_key_permissions_too_open (chmod 600)")
				}
			}
			if cfg.SSH.Host != "" {
				conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
				if err != nil {
					fmt.Fprintf(out, "ssh_reachable=false err=%q\n", err.Error())
				} else {
					conn.Close()
					fmt.Fprintln(out, "ssh_reachable=true")
				}
			}

			if cfg.VM.Name != "" {
				lock, err := worker.LockVM(cfg.LockPath())
				switch {
				case errors.Is(err, worker.ErrVMLocked):
					fmt.Fprintf(out, "vm_lock=held path=%s\n", cfg.LockPath())
				case err != nil:
					fmt.Fprintf(out, "vm_lock_error=%s\n", err)
				default:
					_ = lock.Unlock()
					fmt.Fprintf(out, "vm_lock=free path=%s\n", cfg.LockPath())
				}
			}
			fmt.Fprintf(out, "transcripts=%s\n", filepath.Clean(cfg.TranscriptDir()))
			fmt.Fprintf(out, "reporter=%s url=%s\n", cfg.Reporter.Kind, cfg.Reporter.URL)

			if checkNATS || cfg.Reporter.Kind == "nats" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				brk, err := broker.Connect(ctx, brokerOptions(cfg, "vmrunner-doctor"), root.logger)
				if err != nil {
					fmt.Fprintf(out, "nats_error=%q\n", err.Error())
					return nil
				}
				defer brk.Close()
				rtt, err := brk.Ping(ctx)
				if err != nil {
					fmt.Fprintf(out, "nats_error=%q\n", err.Error())
					return nil
				}
				fmt.Fprintf(out, "nats=%s rtt=%s\n", cfg.NATS.URL, rtt)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkNATS, "nats", false, "also check the NATS connection")
	return cmd
}
