package job

import (
	"context"
	"errors"
	"strings"
)

// DefaultScript runs when the build config names no script.
const DefaultScript = "rake"

// BuildJob runs a configured build inside one sandboxed scope.
type BuildJob struct {
	base
	config BuildConfig
}

func (b *BuildJob) Type() Type { return TypeBuild }

func (b *BuildJob) Work(ctx context.Context) error {
	b.notify(Event{Type: EventStarted})
	b.streamLogs()

	res, err := b.runner.Sandboxed(ctx, b.run)
	if err != nil {
		b.logger.Error("sandbox could not be started", "err", err)
		b.finish(1)
		return err
	}
	result := 0
	if res.BodyErr != nil {
		b.logger.Info("build failed", "err", res.BodyErr)
		result = 1
	}
	if res.RollbackErr != nil {
		b.logger.Warn("vm rollback incomplete", "snapshot", res.Snapshot, "err", res.RollbackErr)
	}
	b.finish(result)
	return nil
}

type stage struct {
	name  string
	lines Lines
}

func (b *BuildJob) stages() []stage {
	script := b.config.Script
	if len(script) == 0 {
		script = Lines{DefaultScript}
	}
	return []stage{
		{"before_install", b.config.BeforeInstall},
		{"install", b.config.Install},
		{"before_script", b.config.BeforeScript},
		{"script", script},
	}
}

func (b *BuildJob) run(ctx context.Context) error {
	for _, line := range b.config.Env {
		if err := b.exportEnv(ctx, line); err != nil {
			return err
		}
	}
	if err := b.checkout(ctx); err != nil {
		return err
	}
	var failed error
	for _, st := range b.stages() {
		if failed = b.runStage(ctx, st); failed != nil {
			break
		}
	}
	if err := b.runStage(ctx, stage{"after_script", b.config.AfterScript}); err != nil {
		b.logger.Info("after_script failed", "err", err)
	}
	return failed
}

func (b *BuildJob) runStage(ctx context.Context, st stage) error {
	for _, line := range st.lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := b.execute(ctx, st.name, line); err != nil {
			return err
		}
	}
	return nil
}

// exportEnv exports every VAR=value pair of one env line.
func (b *BuildJob) exportEnv(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.Contains(line, "=") {
		return errors.New("env: malformed entry " + line)
	}
	return b.execute(ctx, "env", "export "+line)
}
