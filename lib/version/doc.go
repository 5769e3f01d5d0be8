// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for Shepherd
// binaries.
//
// Three package-level variables are injected at build time via
// -ldflags -X:
//
//	go build -ldflags "-X github.com/shepherd-fleet/shepherd/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs.
package version
