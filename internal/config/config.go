// Package config loads the worker configuration file and resolves it against
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk worker configuration.
type Config struct {
	VM       VM       `yaml:"vm"`
	SSH      SSH      `yaml:"ssh"`
	Exec     Exec     `yaml:"exec"`
	Reporter Reporter `yaml:"reporter"`
	NATS     NATS     `yaml:"nats"`
	DataDir  string   `yaml:"dataDir"`
	Listen   Listen   `yaml:"listen"`
}

type VM struct {
	Name string `yaml:"name"`
	// Manage is the hypervisor CLI binary.
	Manage string `yaml:"manage"`
	// Log collects the hypervisor CLI output.
	Log string `yaml:"log"`
}

type SSH struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	PrivateKey   string        `yaml:"privateKey"`
	Proxy        string        `yaml:"proxy"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	DialAttempts int           `yaml:"dialAttempts"`
}

type Exec struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Reporter struct {
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	Compress     bool          `yaml:"compress"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type NATS struct {
	URL          string `yaml:"url"`
	EventsPrefix string `yaml:"eventsPrefix"`
	Stream       string `yaml:"stream"`
	JobsStream   string `yaml:"jobsStream"`
	JobsSubject  string `yaml:"jobsSubject"`
	Durable      string `yaml:"durable"`
}

type Listen struct {
	Health  string `yaml:"health"`
	Metrics string `yaml:"metrics"`
}

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Overrides are values given on the command line. Zero values are unset.
type Overrides struct {
	VM          string
	SSHHost     string
	SSHPort     int
	ReporterURL string
	NATSURL     string
}

// Resolve builds the effective configuration: flags win over environment,
// environment over the file, the file over defaults. A .env file in the
// working directory is loaded into the environment first.
func Resolve(path string, flags Overrides) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyFlags(flags)
	cfg.setDefaults()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("VMRUNNER_VM"); v != "" {
		c.VM.Name = v
	}
	if v := getenv("VMRUNNER_SSH_HOST"); v != "" {
		c.SSH.Host = v
	}
	if v := getenv("VMRUNNER_SSH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VMRUNNER_SSH_PORT: %w", err)
		}
		c.SSH.Port = port
	}
	if v := getenv("VMRUNNER_REPORTER_URL"); v != "" {
		c.Reporter.URL = v
	}
	if v := getenv("VMRUNNER_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	return nil
}

func (c *Config) applyFlags(f Overrides) {
	if f.VM != "" {
		c.VM.Name = f.VM
	}
	if f.SSHHost != "" {
		c.SSH.Host = f.SSHHost
	}
	if f.SSHPort != 0 {
		c.SSH.Port = f.SSHPort
	}
	if f.ReporterURL != "" {
		c.Reporter.URL = f.ReporterURL
	}
	if f.NATSURL != "" {
		c.NATS.URL = f.NATSURL
	}
}

func (c *Config) setDefaults() {
	if c.VM.Manage == "" {
		c.VM.Manage = "VBoxManage"
	}
	if c.VM.Log == "" {
		c.VM.Log = "/tmp/travis/log/vboxmanage"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.User == "" {
		c.SSH.User = "vagrant"
	}
	if c.SSH.PrivateKey == "" {
		c.SSH.PrivateKey = "~/.vagrant.d/insecure_private_key"
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = 10 * time.Second
	}
	if c.SSH.DialAttempts == 0 {
		c.SSH.DialAttempts = 5
	}
	if c.Reporter.Kind == "" {
		c.Reporter.Kind = "http"
	}
	if c.Reporter.PollInterval == 0 {
		c.Reporter.PollInterval = 100 * time.Millisecond
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(DefaultHome(), "data")
	}
	if c.Listen.Health == "" {
		c.Listen.Health = ":50052"
	}
	if c.Listen.Metrics == "" {
		c.Listen.Metrics = ":9102"
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.SSH.PrivateKey, &c.DataDir, &c.VM.Log} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate checks what every VM command needs.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.VM.Name) == "" {
		errs = append(errs, errors.New("vm.name is required (flag --vm or VMRUNNER_VM)"))
	}
	if strings.TrimSpace(c.SSH.Host) == "" {
		errs = append(errs, errors.New("ssh.host is required (flag --ssh-host or VMRUNNER_SSH_HOST)"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d is out of range", c.SSH.Port))
	}
	switch c.Reporter.Kind {
	case "http", "nats", "log":
	default:
		errs = append(errs, fmt.Errorf("reporter.kind %q must be http, nats or log", c.Reporter.Kind))
	}
	if c.Exec.Timeout < 0 {
		errs = append(errs, errors.New("exec.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

func expandPath(path string) (string, error) {
	switch {
	case path == "":
		return "", nil
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
