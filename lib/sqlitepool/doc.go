// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database that Shepherd processes
// share on a single host.
//
// The device table is the only coordination channel between the
// discovery daemon, the monitoring collector and the onboarding
// gateway, so every connection is configured for several independent
// processes writing the same file:
//
//   - journal_mode=WAL: readers in other processes never block the
//     coordinator's writes and never observe a half-written row.
//   - synchronous=NORMAL: committed transactions survive a process
//     crash. Power loss may drop the last few commits, which the next
//     hotplug scan repairs.
//   - busy_timeout (default 5000 ms): a writer waits for a competing
//     process's transaction instead of failing with SQLITE_BUSY.
//   - foreign_keys=OFF, temp_store=MEMORY, cache_size=-8192.
//
// Connections are not safe for concurrent use. Use [Pool.Take] and
// [Pool.Put], or the [Pool.Read] and [Pool.Write] helpers which also
// manage the transaction:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE ...", nil)
//	})
//
// Write uses BEGIN IMMEDIATE so the write lock is taken up front and a
// read-then-write sequence cannot be invalidated by another process
// between its SELECT and its UPDATE.
package sqlitepool
