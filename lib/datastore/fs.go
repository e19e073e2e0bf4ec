// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"fmt"
	"os"
	"path/filepath"
)

// FS is the filesystem primitive the JSON providers use. ReadFile
// reports a missing file with an error matching fs.ErrNotExist.
type FS interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile writes data durably to path, replacing any existing
	// file.
	WriteFile(path string, data []byte) error
	Rename(oldPath, newPath string) error
}

// OS returns the FS backed by the operating system.
func OS() FS { return osFS{} }

type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (osFS) WriteFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (osFS) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	// Sync the directory so the rename survives a power loss.
	directory, err := os.Open(filepath.Dir(newPath))
	if err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// writeAtomic replaces path with data through a temporary file in the
// same directory, so readers see either the old or the new content.
func writeAtomic(fsys FS, path string, data []byte) error {
	temporaryPath := path + ".tmp"
	if err := fsys.WriteFile(temporaryPath, data); err != nil {
		return fmt.Errorf("writing %s: %w", temporaryPath, err)
	}
	if err := fsys.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", temporaryPath, err)
	}
	return nil
}
