// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for Shepherd binaries.
// It covers the raw stderr output that happens before the structured
// logger exists and the exit path after main's run function fails.
package process
