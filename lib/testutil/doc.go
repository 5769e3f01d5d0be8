// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Shepherd packages.
//
// [RequireReceive], [RequireSend], [RequireClosed], and
// [RequireNoReceive] wrap the select-with-timeout pattern so that
// individual tests do not call time.After directly. These are the only
// place in the test suite where real wall-clock timeouts appear;
// everything else runs on lib/clock's fake clock.
//
// [WriteTree] lays out a directory of small files from a map, which
// is how tests build fake sysfs hierarchies and /dev directories.
//
// [UniqueID] generates distinct serial numbers and device names.
//
// All helpers call t.Fatalf on failure rather than returning errors.
//
// This package has no Shepherd-internal dependencies.
package testutil
