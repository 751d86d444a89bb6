package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrVMLocked is returned when another worker process holds the VM.
var ErrVMLocked = errors.New("vm is in use by another worker")

// VMLock marks a VM as owned by this process for as long as it is held.
type VMLock struct {
	fl *flock.Flock
}

// LockVM takes the lock file at path without waiting.
func LockVM(path string) (*VMLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrVMLocked, path)
	}
	return &VMLock{fl: fl}, nil
}

func (l *VMLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
