// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// Shepherd component that waits: the handshake read window, the
// post-attach settle delay, session marker expiry, and the periodic
// discovery poll and snapshot tickers.
//
// Production code receives [Real]. Tests receive [Fake] and drive time
// explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go session.Run(ctx)           // registers a handshake window timer
//	fake.WaitForTimers(1)         // wait until the timer exists
//	fake.Advance(30 * time.Second) // expire it deterministically
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
