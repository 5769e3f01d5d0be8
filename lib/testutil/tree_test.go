// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTree(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{
		"devices/usb1/1-1/idVendor": "10c4\n",
		"empty/":                    "",
		"class/tty/ttyUSB0":         "->../../devices/usb1/1-1",
	})

	data, err := os.ReadFile(filepath.Join(root, "devices/usb1/1-1/idVendor"))
	if err != nil || string(data) != "10c4\n" {
		t.Errorf("idVendor = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(root, "empty")); err != nil || !info.IsDir() {
		t.Errorf("expected empty directory, got %v", err)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "class/tty/ttyUSB0"))
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(root, "devices/usb1/1-1"))
	if resolved != want {
		t.Errorf("symlink resolved to %s, want %s", resolved, want)
	}
}

func TestUniqueID(t *testing.T) {
	first := UniqueID("SN")
	second := UniqueID("SN")
	if first == second {
		t.Errorf("expected distinct IDs, got %s twice", first)
	}
}
