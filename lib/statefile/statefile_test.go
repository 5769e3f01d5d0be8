// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type document struct {
	GeneratedAt time.Time `json:"generated_at"`
	Devices     []string  `json:"devices"`
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_state.json")
	want := document{
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Devices:     []string{"SN-1", "SN-2"},
	}

	if err := Write(path, want, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got document
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.GeneratedAt.Equal(want.GeneratedAt) {
		t.Errorf("GeneratedAt = %v, want %v", got.GeneratedAt, want.GeneratedAt)
	}
	if len(got.Devices) != 2 || got.Devices[1] != "SN-2" {
		t.Errorf("Devices = %v, want %v", got.Devices, want.Devices)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestWriteOverwritesAndLeavesNoTemporaries(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "device_state.json")

	if err := Write(path, document{Devices: []string{"first"}}, 0600); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := Write(path, document{Devices: []string{"second"}}, 0600); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	var got document
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0] != "second" {
		t.Errorf("Devices = %v, want [second]", got.Devices)
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		var names []string
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Errorf("expected only the state file, found %v", names)
	}
}

func TestReadMissing(t *testing.T) {
	var got document
	err := Read(filepath.Join(t.TempDir(), "absent.json"), &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read missing file: got %v, want os.ErrNotExist", err)
	}
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var got document
	err := Read(path, &got)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_state.json")
	if err := Write(path, document{}, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}
