package worker

import (
	"context"
	"log/slog"
	"os"

	"github.com/antonkrylov/vmrunner/internal/config"
	"github.com/antonkrylov/vmrunner/internal/shell"
	"github.com/antonkrylov/vmrunner/internal/transport/sshshell"
	"github.com/antonkrylov/vmrunner/internal/vbox"
)

// Name is the worker identity, <hostname>:<vm>.
func Name(vm string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + vm
}

// NewVBox builds the hypervisor bridge for the configured VM.
func NewVBox(cfg *config.Config, logger *slog.Logger) (*vbox.Manager, error) {
	return vbox.New(vbox.Options{
		Binary:  cfg.VM.Manage,
		VM:      cfg.VM.Name,
		LogPath: cfg.VM.Log,
		Logger:  logger,
	})
}

// SSHConfig maps the worker configuration onto the SSH transport.
func SSHConfig(cfg *config.Config, logger *slog.Logger) sshshell.Config {
	return sshshell.Config{
		Host:           cfg.SSH.Host,
		Port:           cfg.SSH.Port,
		User:           cfg.SSH.User,
		PrivateKeyPath: cfg.SSH.PrivateKey,
		Proxy:          cfg.SSH.Proxy,
		DialTimeout:    cfg.SSH.DialTimeout,
		Attempts:       cfg.SSH.DialAttempts,
		Logger:         logger,
	}
}

// SSHSessions opens sessions over SSH to the configured VM, sandboxed
// through hv.
func SSHSessions(cfg *config.Config, hv shell.Hypervisor, logger *slog.Logger, metrics *shell.Metrics) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		tr, err := sshshell.Dial(ctx, SSHConfig(cfg, logger))
		if err != nil {
			return nil, err
		}
		sess, err := shell.New(shell.Options{
			VM:          cfg.VM.Name,
			Transport:   tr,
			Hypervisor:  hv,
			ExecTimeout: cfg.Exec.Timeout,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
		return sess, nil
	}
}
