// Package ipc implements the singleton rendezvous (C3): an advisory,
// exclusive lock file that elects exactly one coordinator per cache root,
// and the Unix domain socket listener that root's coordinator serves
// client sessions on.
package ipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an advisory, exclusive file lock held for the coordinator's
// lifetime. It is released automatically if the holding process dies,
// since flock(2) locks are owned by the open file description.
type Lock struct {
	file *os.File
}

// TryAcquireLock attempts to take the exclusive lock at path without
// blocking. A non-nil, nil-error Lock means the caller is now the sole
// coordinator for this cache root; ErrLocked means another coordinator
// already holds it.
func TryAcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ipc: open lock file %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("ipc: flock %q: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// ErrLocked is returned by TryAcquireLock when another process already
// holds the lock.
var ErrLocked = fmt.Errorf("ipc: lock is held by another process")

// Release drops the lock and closes the underlying file. Safe to call on
// process exit; the kernel would release it regardless.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("ipc: unlock: %w", err)
	}
	return l.file.Close()
}
