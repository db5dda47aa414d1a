package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another backend holds the lock.
var ErrAlreadyRunning = errors.New("another backend is already serving this port")

// Lock keeps one backend per port and state directory.
type Lock struct {
	lock *flock.Flock
}

// LockPath returns the lock file used for port.
func LockPath(stateDir string, port int) string {
	return filepath.Join(stateDir, fmt.Sprintf("studio-backend-%d.lock", port))
}

// AcquireLock takes the lock without blocking.
func AcquireLock(stateDir string, port int) (*Lock, error) {
	if stateDir == "" {
		return nil, errors.New("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fl := flock.New(LockPath(stateDir, port))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, fl.Path())
	}
	return &Lock{lock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.lock.Path() }

// Release drops the lock. It is safe on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
