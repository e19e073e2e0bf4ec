// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DirectoryLock is an exclusive advisory lock on a data directory.
type DirectoryLock struct {
	file *os.File
}

// LockDirectory takes an exclusive flock on dir/.lock without
// blocking. Returns an error matching ErrLocked if another holder
// exists. The lock is released by Unlock or when the process exits.
func LockDirectory(dir string) (*DirectoryLock, error) {
	path := filepath.Join(dir, ".lock")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &DirectoryLock{file: file}, nil
}

// Unlock releases the lock.
func (l *DirectoryLock) Unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return l.file.Close()
}
