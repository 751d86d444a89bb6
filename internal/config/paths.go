package config

import (
	"os"
	"path/filepath"
)

// DefaultHome is $VMRUNNER_HOME or ~/.vmrunner.
func DefaultHome() string {
	if v := os.Getenv("VMRUNNER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".vmrunner")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultHome(), "config.yaml")
}

// TranscriptDir holds the per-job transcripts.
func (c *Config) TranscriptDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

// LockPath is the file that marks a VM as taken by a worker process.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "locks", c.VM.Name+".lock")
}
