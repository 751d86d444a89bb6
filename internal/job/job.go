package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/antonkrylov/vmrunner/internal/shell"
)

// Runner is the part of a shell session a job drives.
type Runner interface {
	Execute(ctx context.Context, cmd shell.Command, opts ...shell.ExecOption) shell.Result
	Evaluate(ctx context.Context, cmd shell.Command) (string, error)
	Sandboxed(ctx context.Context, body func(context.Context) error) (shell.SandboxResult, error)
	OnOutput(fn func(string))
}

// Job is one unit of work taken from the queue.
type Job interface {
	ID() ID
	Type() Type
	// Observe registers o for every event the job emits from now on.
	Observe(o Observer)
	// Work runs the job to completion. Build failures are reported through
	// events; the returned error means the job could not be run at all.
	Work(ctx context.Context) error
}

// New returns the driver Classify picks for p.
func New(p *Payload, runner Runner, logger *slog.Logger) (Job, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := base{payload: p, runner: runner, logger: logger.With("job", string(p.Build.ID)), obs: &observers{}}
	switch Classify(p) {
	case TypeBuild:
		cfg, err := p.BuildConfig()
		if err != nil {
			return nil, err
		}
		return &BuildJob{base: b, config: cfg}, nil
	default:
		return &ConfigJob{base: b}, nil
	}
}

type base struct {
	payload *Payload
	runner  Runner
	logger  *slog.Logger
	obs     *observers
}

func (b *base) ID() ID { return b.payload.Build.ID }

func (b *base) Observe(o Observer) { b.obs.add(o) }

func (b *base) notify(e Event) {
	e.JobID = b.ID()
	b.obs.notify(e)
}

func (b *base) streamLogs() {
	b.runner.OnOutput(func(s string) {
		b.notify(Event{Type: EventLog, Log: s})
	})
}

func (b *base) finish(result int) {
	b.notify(Event{Type: EventFinished, Result: &result})
}

// checkoutDir is the directory the repository is cloned into, relative to
// the shell's working directory.
func (b *base) checkoutDir() string {
	if slug := strings.TrimSpace(b.payload.Repository.Slug); slug != "" {
		return slug
	}
	return strings.TrimSuffix(path.Base(b.payload.Repository.URL), ".git")
}

func (b *base) execute(ctx context.Context, stage, line string) error {
	res := b.runner.Execute(ctx, shell.Command{line})
	if !res.OK() {
		return fmt.Errorf("%s: %w", stage, res.Err)
	}
	return nil
}

// checkout clones the repository and leaves the shell inside it.
func (b *base) checkout(ctx context.Context) error {
	dir := b.checkoutDir()
	steps := []string{
		fmt.Sprintf("git clone --depth=100 --quiet %s %s", shellQuote(b.payload.Repository.CloneURL()), shellQuote(dir)),
		"cd " + shellQuote(dir),
	}
	if commit := b.payload.Build.Commit; commit != "" {
		steps = append(steps, "git checkout -qf "+shellQuote(commit))
	}
	for _, line := range steps {
		if err := b.execute(ctx, "checkout", line); err != nil {
			return err
		}
	}
	return nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
