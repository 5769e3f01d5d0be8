// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile writes and reads JSON documents atomically.
//
// The document is written to a temporary file in the same directory,
// fsynced, and renamed into place, so readers polling the path never
// observe a partial or corrupt file. The discovery daemon uses it for
// the device_state.json snapshot consumed by read-only tooling.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces path with the indented JSON encoding of v.
// The parent directory must already exist. The file is created with
// the given mode; pass 0 for 0644.
func Write(path string, v any, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: marshaling %s: %w", path, err)
	}
	data = append(data, '\n')

	// A unique temporary name lets two writers race without
	// truncating each other's half-written file; the last rename wins.
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file: %w", err)
	}
	temporaryPath := file.Name()

	// Write, chmod, sync, close. On any failure remove the temporary
	// file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing temporary file: %w", err)
	}
	if err := file.Chmod(mode); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: setting mode: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming into place: %w", err)
	}

	// Sync the parent so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// Read decodes the JSON document at path into v. When the file does
// not exist the returned error wraps os.ErrNotExist.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("statefile: parsing %s: %w", path, err)
	}
	return nil
}

// Remove deletes path. Idempotent: returns nil when the file does not
// exist.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}
	return nil
}
