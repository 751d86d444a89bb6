// Package worker runs jobs taken from the queue against one VM: it opens a
// session per job, wires the reporter and transcript, and waits for the
// reporter to drain before releasing the VM.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/vmrunner/internal/job"
	"github.com/antonkrylov/vmrunner/internal/reporter"
	"github.com/antonkrylov/vmrunner/internal/transcript"
)

// Session is what a job runs against. *shell.Session satisfies it.
type Session interface {
	job.Runner
	Close(ctx context.Context) error
}

// SessionFactory opens a fresh session on the worker's VM.
type SessionFactory func(ctx context.Context) (Session, error)

// Runner performs jobs one at a time.
type Runner struct {
	// Name identifies the worker, <hostname>:<vm>.
	Name string
	VM   string

	NewSession  SessionFactory
	Reporters   reporter.Factory
	Transcripts *transcript.Store
	// PollInterval is how often the reporter is asked whether it is done.
	PollInterval time.Duration
	// CloseTimeout bounds waiting for the shell to go quiet at the end of a job.
	CloseTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	Health  *Health

	mu sync.Mutex
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// Perform runs one job to completion and returns once every event has been
// handed to the reporter.
func (r *Runner) Perform(ctx context.Context, p *job.Payload) (err error) {
	if r.NewSession == nil || r.Reporters == nil {
		return errors.New("runner needs a session factory and a reporter factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Health.setBusy(true)
	r.Metrics.setBusy(true)
	defer func() {
		r.Health.setBusy(false)
		r.Metrics.setBusy(false)
	}()

	logger := r.logger().With("job", string(p.Build.ID), "vm", r.VM)
	started := time.Now()
	kind := job.Classify(p)
	result := -1
	defer func() {
		r.Metrics.observeJob(kind, result, time.Since(started).Seconds())
	}()

	rep, err := r.Reporters(p.Build.ID)
	if err != nil {
		return fmt.Errorf("reporter: %w", err)
	}
	defer func() {
		if cerr := rep.Close(); cerr != nil {
			logger.Warn("close reporter", "err", cerr)
		}
	}()

	sess, err := r.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	j, err := job.New(p, sess, logger)
	if err != nil {
		_ = sess.Close(ctx)
		return err
	}
	j.Observe(rep)
	j.Observe(job.ObserverFunc(func(e job.Event) {
		if e.Type == job.EventFinished && e.Result != nil {
			result = *e.Result
		}
	}))

	if r.Transcripts != nil {
		rec, terr := r.Transcripts.Create(j.ID(), r.VM, r.Name)
		if terr != nil {
			logger.Warn("transcript disabled for job", "err", terr)
		} else {
			j.Observe(rec)
			defer func() {
				if _, ferr := rec.Finish(); ferr != nil {
					logger.Warn("finish transcript", "err", ferr)
				}
			}()
		}
	}

	logger.Info("job started", "type", j.Type())
	rep.Start(ctx)
	workErr := j.Work(ctx)
	waitErr := r.waitReported(ctx, rep)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.closeTimeout())
	defer cancel()
	closeErr := sess.Close(closeCtx)

	logger.Info("job done", "type", j.Type(), "result", result, "duration", time.Since(started))
	return errors.Join(workErr, waitErr, closeErr)
}

func (r *Runner) closeTimeout() time.Duration {
	if r.CloseTimeout > 0 {
		return r.CloseTimeout
	}
	return time.Minute
}

// waitReported polls the reporter until it has delivered everything.
func (r *Runner) waitReported(ctx context.Context, rep reporter.Reporter) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for !rep.Finished() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reporter: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
