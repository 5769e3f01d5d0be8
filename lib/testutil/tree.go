// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteTree creates each file under root with the given contents,
// creating parent directories as needed. A key ending in "/" creates an
// empty directory. A value beginning with "->" creates a symlink to the
// remainder instead of a regular file, which is how sysfs links
// /sys/class/tty entries to their device directories.
//
//	testutil.WriteTree(t, root, map[string]string{
//		"devices/usb1/1-1/idVendor": "10c4\n",
//		"class/tty/ttyUSB0":         "->../../devices/usb1/1-1/1-1:1.0/ttyUSB0",
//	})
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatalf("creating %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("creating parent of %s: %v", path, err)
		}
		if target, ok := strings.CutPrefix(contents, "->"); ok {
			if err := os.Symlink(target, path); err != nil {
				t.Fatalf("linking %s -> %s: %v", path, target, err)
			}
			continue
		}
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}
