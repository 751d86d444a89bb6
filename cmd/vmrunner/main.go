package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/vmrunner/internal/config"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

func versionString() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if buildTime != "" {
		v += " built " + buildTime
	}
	return v
}

type rootOptions struct {
	configPath string
	logJSON    bool
	logLevel   string
	overrides  config.Overrides

	cfg    *config.Config
	logger *slog.Logger
}

func (r *rootOptions) prepare(cmd *cobra.Command) error {
	useJSON := r.logJSON
	if !cmd.Flags().Changed("log-json") {
		useJSON = !term.IsTerminal(int(os.Stderr.Fd()))
	}
	logger, err := newLogger(useJSON, r.logLevel)
	if err != nil {
		return err
	}
	r.logger = logger
	slog.SetDefault(logger)

	cfg, err := config.Resolve(r.configPath, r.overrides)
	if err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func newLogger(useJSON bool, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if useJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

// exitCodeError carries the exit status of a command run on the VM.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "vmrunner",
		Short:         "Run build jobs inside disposable VirtualBox VMs",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("VMRUNNER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigPath()
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfig, "path to config file (default $HOME/.vmrunner/config.yaml)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON (default when stderr is not a terminal)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&opts.overrides.VM, "vm", "", "VM name (overrides config and VMRUNNER_VM)")
	pf.StringVar(&opts.overrides.SSHHost, "ssh-host", "", "VM SSH host")
	pf.IntVar(&opts.overrides.SSHPort, "ssh-port", 0, "VM SSH port")
	pf.StringVar(&opts.overrides.ReporterURL, "reporter-url", "", "base URL of the HTTP reporter endpoint")
	pf.StringVar(&opts.overrides.NATSURL, "nats-url", "", "NATS server URL")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare(cmd)
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newPerformCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newSnapshotsCmd(opts))
	rootCmd.AddCommand(newTranscriptCmd(opts))
	rootCmd.AddCommand(newSubmitCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
