// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the Shepherd
// binaries.
//
// The file is named by the --config flag ([LoadFile]) or the
// SHEPHERD_CONFIG environment variable ([Load]). There is no search
// path and no per-field environment override: the file is the single
// source of truth.
//
// An environment section (development or production) matching
// [Config].Environment overrides base values after loading. Path
// fields expand ${HOME}, ${SHEPHERD_ROOT} and ${VAR:-default}.
//
// This package depends on no other Shepherd packages.
package config
