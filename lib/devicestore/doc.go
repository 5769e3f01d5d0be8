// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicestore is the durable record of every miner Shepherd
// has seen, and the only synchronization point between the processes
// that touch miner ports.
//
// Records live in one of two tables: staging (known only by hardware
// identity) or permanent (named by an operator through the onboarding
// gateway). A serial appears in exactly one of them.
//
// Port ownership is arbitrated by session markers: a row per device
// node holding a random token, an owner, and an expiry. [Store.BeginSession]
// acquires the marker and moves the record to Initializing in one
// IMMEDIATE transaction, so two discovery processes racing on the same
// attach cannot both proceed. Every later write from the handshake
// ([Store.RecordProgress], [Store.RecordConfig], [Store.Activate])
// presents the token and is rejected with [ErrSessionLost] once
// [Store.MarkDetached] or a takeover has deleted the marker, so a
// detach always has the last word. Each guarded write renews the
// marker; a marker whose holder crashed expires after the configured
// stale interval and may then be taken over.
//
// The monitoring collector reads [Store.ListActive] and must not open
// any port that is not listed there. The onboarding gateway reads
// [Store.ListAwaitingNaming] and calls [Store.Promote].
//
// Storage errors that mean the database itself is unusable (I/O
// failure, corruption, the file vanished) are reported as
// [ErrStoreUnavailable]; callers treat them as fatal.
package devicestore
