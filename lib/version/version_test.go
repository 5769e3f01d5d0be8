// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	saved := GitDirty
	t.Cleanup(func() { GitDirty = saved })

	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Errorf("clean build should not be marked dirty: %s", Info())
	}
	GitDirty = "true"
	if !strings.Contains(Info(), GitCommit+"-dirty") {
		t.Errorf("dirty build should be marked: %s", Info())
	}
	if !strings.HasPrefix(Full(), Info()) {
		t.Errorf("Full should begin with Info: %s", Full())
	}
}
