// Package lock provides the single advisory file lock that serializes
// updater invocations (spec §5: single-process, single-threaded,
// synchronous; no concurrent updates).
package lock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AlreadyRunning is returned by Acquire when another instance already
// holds the lock.
type AlreadyRunning struct {
	Path string
}

func (e *AlreadyRunning) Error() string {
	return fmt.Sprintf("lock: %s is held by another instance", e.Path)
}

// Lock is a held advisory lock; Release must be called exactly once.
type Lock struct {
	path string
	fd   int
}

// Acquire takes a non-blocking exclusive flock on path, creating it if
// necessary. Path is normally /run/updater.lock.
func Acquire(path string) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, &AlreadyRunning{Path: path}
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	return &Lock{path: path, fd: fd}, nil
}

// Release drops the lock and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := unix.Flock(l.fd, unix.LOCK_UN)
	closeErr := unix.Close(l.fd)
	if err != nil {
		return err
	}
	return closeErr
}
