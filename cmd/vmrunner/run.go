package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/vmrunner/internal/broker"
	"github.com/antonkrylov/vmrunner/internal/config"
	"github.com/antonkrylov/vmrunner/internal/queue"
	"github.com/antonkrylov/vmrunner/internal/reporter"
	"github.com/antonkrylov/vmrunner/internal/shell"
	"github.com/antonkrylov/vmrunner/internal/transcript"
	"github.com/antonkrylov/vmrunner/internal/worker"
)

func brokerOptions(cfg *config.Config, name string) broker.Options {
	return broker.Options{
		URL:           cfg.NATS.URL,
		Name:          name,
		EventsPrefix:  cfg.NATS.EventsPrefix,
		ReportsStream: cfg.NATS.Stream,
		JobsStream:    cfg.NATS.JobsStream,
		JobsSubject:   cfg.NATS.JobsSubject,
		Durable:       cfg.NATS.Durable,
	}
}

// newRunner wires everything a job needs. brk may be nil unless the reporter
// kind is nats.
func newRunner(root *rootOptions, reg *prometheus.Registry, brk *broker.Broker, health *worker.Health) (*worker.Runner, error) {
	cfg := root.cfg
	hv, err := worker.NewVBox(cfg, root.logger)
	if err != nil {
		return nil, err
	}
	var pub reporter.Publisher
	if brk != nil {
		pub = brk
	}
	reporters, err := reporter.NewFactory(reporter.Config{
		Kind:     cfg.Reporter.Kind,
		URL:      cfg.Reporter.URL,
		Compress: cfg.Reporter.Compress,
	}, pub, reporter.Options{Logger: root.logger, Metrics: reporter.NewMetrics(reg)})
	if err != nil {
		return nil, err
	}
	name := worker.Name(cfg.VM.Name)
	return &worker.Runner{
		Name:         name,
		VM:           cfg.VM.Name,
		NewSession:   worker.SSHSessions(cfg, hv, root.logger, shell.NewMetrics(reg)),
		Reporters:    reporters,
		Transcripts:  transcript.New(cfg.TranscriptDir(), root.logger),
		PollInterval: cfg.Reporter.PollInterval,
		Logger:       root.logger.With("worker", name),
		Metrics:      worker.NewMetrics(reg),
		Health:       health,
	}, nil
}

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Take jobs from the NATS jobs stream and run them on the VM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			logger := root.logger
			if err := cfg.Validate(); err != nil {
				return err
			}
			lock, err := worker.LockVM(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			name := worker.Name(cfg.VM.Name)
			brk, err := broker.Connect(ctx, brokerOptions(cfg, name), logger)
			if err != nil {
				return err
			}
			defer brk.Close()

			health := worker.NewHealth()
			runner, err := newRunner(root, reg, brk, health)
			if err != nil {
				return err
			}
			sub, err := brk.JobsSubscription()
			if err != nil {
				return err
			}
			consumer := queue.NewConsumer(queue.Subscription{Sub: sub}, runner.Perform, queue.Options{Logger: logger})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return health.Serve(gctx, cfg.Listen.Health, logger)
			})
			g.Go(func() error {
				return serveMetrics(gctx, cfg.Listen.Metrics, reg, root)
			})
			g.Go(func() error {
				return consumer.Run(gctx)
			})
			logger.Info("worker ready", "name", name, "vm", cfg.VM.Name, "health", cfg.Listen.Health, "metrics", cfg.Listen.Metrics)
			return g.Wait()
		},
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, root *rootOptions) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	root.logger.Info("metrics server ready", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// signalContext is the context one-shot commands run under.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
