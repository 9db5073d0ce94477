// SPDX-License-Identifier: MPL-2.0

//go:build unix

package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// cacheLock is a flock on the cache's lock file. Every open Store holds it
// shared; garbage collection needs it exclusively. The kernel drops the lock
// when the process exits, so a crashed daemon never pins the cache.
type cacheLock struct {
	file *os.File
}

func openCacheLock(root string) (*cacheLock, error) {
	path := filepath.Join(root, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &cacheLock{file: f}, nil
}

// exclusive reports whether this process could become the only holder.
// On false the shared lock is held again.
func (l *cacheLock) exclusive() (bool, error) {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	// A failed conversion may have dropped the shared lock.
	if shareErr := l.shared(); shareErr != nil {
		return false, shareErr
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, fmt.Errorf("flock %s: %w", l.file.Name(), err)
}

func (l *cacheLock) shared() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_SH)
}

// Close releases the lock. It is safe to call more than once.
func (l *cacheLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
