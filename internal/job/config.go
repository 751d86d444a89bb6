package job

import (
	"context"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/vmrunner/internal/shell"
)

// ConfigFile is read from the repository root by config jobs.
const ConfigFile = ".travis.yml"

// ConfigJob fetches a repository's build configuration and reports it.
type ConfigJob struct {
	base
}

func (c *ConfigJob) Type() Type { return TypeConfig }

func (c *ConfigJob) Work(ctx context.Context) error {
	c.notify(Event{Type: EventStarted})
	c.streamLogs()

	var config map[string]any
	res, err := c.runner.Sandboxed(ctx, func(ctx context.Context) error {
		var err error
		config, err = c.fetch(ctx)
		return err
	})
	if err != nil {
		c.logger.Error("sandbox could not be started", "err", err)
		c.finish(1)
		return err
	}
	result := 0
	if res.BodyErr != nil {
		c.logger.Info("config not available", "err", res.BodyErr)
		result = 1
		if config == nil {
			config = map[string]any{".result": "not_found"}
		}
	}
	c.notify(Event{Type: EventConfigured, Config: config})
	c.finish(result)
	return nil
}

func (c *ConfigJob) fetch(ctx context.Context) (map[string]any, error) {
	if err := c.checkout(ctx); err != nil {
		return nil, err
	}
	out, err := c.runner.Evaluate(ctx, shell.Command{"cat " + ConfigFile})
	if err != nil {
		return nil, err
	}
	config := map[string]any{}
	if strings.TrimSpace(out) == "" {
		return config, nil
	}
	if err := yaml.Unmarshal([]byte(out), &config); err != nil {
		return map[string]any{".result": "parse_error"}, err
	}
	return config, nil
}
