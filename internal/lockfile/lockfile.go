// Package lockfile keeps two processes from writing the same state directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file created inside a state directory.
const FileName = "redeven-stream.lock"

// ErrAlreadyLocked means another process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// HeldError describes who holds a state dir lock. It matches ErrAlreadyLocked.
type HeldError struct {
	Path string
	// PID is what the holder wrote into the lock file; 0 when unreadable.
	PID int
	// Alive is false when PID no longer names a running process.
	Alive bool
}

func (e *HeldError) Error() string {
	switch {
	case e.PID <= 0:
		return fmt.Sprintf("%s: %v", e.Path, ErrAlreadyLocked)
	case !e.Alive:
		return fmt.Sprintf("%s: %v (pid %d, not running)", e.Path, ErrAlreadyLocked, e.PID)
	default:
		return fmt.Sprintf("%s: %v by pid %d", e.Path, ErrAlreadyLocked, e.PID)
	}
}

func (e *HeldError) Is(target error) bool { return target == ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir creates dir if needed and locks FileName inside it.
func AcquireDir(dir string) (*Lock, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("state dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dir, FileName))
}

// Acquire takes a non-blocking exclusive lock on path. A held lock is reported
// as a *HeldError.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	held, err := tryLock(f)
	if err != nil || held {
		_ = f.Close()
		if held {
			return nil, holder(path)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func holder(path string) *HeldError {
	e := &HeldError{Path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		return e
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 {
		e.PID = pid
		e.Alive = processAlive(pid)
	}
	return e
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
