// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"errors"
	"fmt"
)

// ErrStorage matches every *StorageError.
var ErrStorage = errors.New("storage error")

// ErrLocked is returned by LockDirectory when another process holds
// the lock.
var ErrLocked = errors.New("data directory is locked")

// StorageError is a provider I/O failure other than a missing file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
