// Package vbox drives VirtualBox through VBoxManage. Every mutating call
// appends its combined output to a log file so failures can be inspected
// after the VM has been rolled back.
package vbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultBinary is looked up on PATH when Manager.Binary is empty.
const DefaultBinary = "VBoxManage"

// CommandError reports a VBoxManage invocation that exited non-zero.
type CommandError struct {
	Command string
	LogPath string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("[vbox] %s failed. See %s for more information.", e.Command, e.LogPath)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Manager issues snapshot and power commands for one VM.
type Manager struct {
	binary  string
	vm      string
	logPath string
	logger  *slog.Logger
}

// Options configure a Manager.
type Options struct {
	Binary  string
	VM      string
	LogPath string
	Logger  *slog.Logger
}

// New prepares the log file and returns a Manager for opts.VM.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.VM) == "" {
		return nil, errors.New("vm name is required")
	}
	if strings.TrimSpace(opts.LogPath) == "" {
		return nil, errors.New("vbox log path is required")
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := touch(opts.LogPath); err != nil {
		return nil, err
	}
	return &Manager{binary: opts.Binary, vm: opts.VM, logPath: opts.LogPath, logger: opts.Logger}, nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open vbox log: %w", err)
	}
	return f.Close()
}

// VM is the machine this manager controls.
func (m *Manager) VM() string { return m.vm }

// LogPath is where VBoxManage output is collected.
func (m *Manager) LogPath() string { return m.logPath }

func (m *Manager) TakeSnapshot(ctx context.Context, name string) error {
	return m.run(ctx, "snapshot", m.vm, "take", name)
}

func (m *Manager) PowerOff(ctx context.Context) error {
	return m.run(ctx, "controlvm", m.vm, "poweroff")
}

func (m *Manager) RestoreCurrent(ctx context.Context) error {
	return m.run(ctx, "snapshot", m.vm, "restorecurrent")
}

func (m *Manager) DeleteSnapshot(ctx context.Context, id string) error {
	return m.run(ctx, "snapshot", m.vm, "delete", id)
}

func (m *Manager) Start(ctx context.Context) error {
	return m.run(ctx, "startvm", "--type", "headless", m.vm)
}

// Snapshots lists the VM's snapshot UUIDs in the order VBoxManage prints
// them, which is creation order.
func (m *Manager) Snapshots(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, m.binary, "showvminfo", m.vm, "--details")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("showvminfo %s: %w", m.vm, err)
	}
	return ParseSnapshots(string(out)), nil
}

// Info returns the raw showvminfo dump.
func (m *Manager) Info(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, m.binary, "showvminfo", m.vm, "--details").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("showvminfo %s: %w", m.vm, err)
	}
	return string(out), nil
}

func (m *Manager) run(ctx context.Context, args ...string) error {
	display := displayCommand(m.binary, args)
	log, err := os.OpenFile(m.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open vbox log: %w", err)
	}
	defer log.Close()

	start := time.Now()
	cmd := exec.CommandContext(ctx, m.binary, args...)
	cmd.Stdout = log
	cmd.Stderr = log
	err = cmd.Run()
	m.logger.Info("[vbox] "+display, "duration", time.Since(start), "err", err)
	if err != nil {
		return &CommandError{Command: display, LogPath: m.logPath, Err: err}
	}
	return nil
}

// displayCommand quotes the VM and snapshot operands the way they would be
// typed in a shell.
func displayCommand(binary string, args []string) string {
	parts := []string{binary}
	for _, a := range args {
		if strings.HasPrefix(a, "-") || isVerb(a) {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

func isVerb(s string) bool {
	switch s {
	case "snapshot", "take", "delete", "restorecurrent", "controlvm", "poweroff", "startvm", "headless", "showvminfo":
		return true
	}
	return false
}

var (
	snapshotsSection = regexp.MustCompile(`(?m)^Snapshots\s*`)
	snapshotUUID     = regexp.MustCompile(`\(UUID: ([^)]*)\)`)
)

// ParseSnapshots extracts snapshot UUIDs from `showvminfo --details` output.
// Only the Snapshots section is considered; disks also carry UUIDs.
func ParseSnapshots(info string) []string {
	sections := snapshotsSection.Split(info, -1)
	if len(sections) < 2 {
		return nil
	}
	var ids []string
	for _, line := range strings.Split(sections[len(sections)-1], "\n") {
		if m := snapshotUUID.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}
