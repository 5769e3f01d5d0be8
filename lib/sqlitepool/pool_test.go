// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/sqlitepool"
)

const counterSchema = `CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

func TestPragmas(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "pragmas.db"))

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if got := queryText(t, conn, "PRAGMA journal_mode"); got != "wal" {
		t.Errorf("journal_mode = %q, want wal", got)
	}
	if got := queryText(t, conn, "PRAGMA busy_timeout"); got != "5000" {
		t.Errorf("busy_timeout = %q, want 5000", got)
	}
}

func TestWriteRollsBackOnError(t *testing.T) {
	pool := openTestPool(t, filepath.Join(t.TempDir(), "rollback.db"))
	ctx := context.Background()

	failure := errors.New("abort")
	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('a', 1)", nil); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write error = %v, want %v", err, failure)
	}

	var count int
	err = pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM counters", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}

// Two pools on the same file stand in for two processes. Concurrent
// read-modify-write increments must not lose updates.
func TestWriteSerializesAcrossPools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first := openTestPool(t, path)
	second := openTestPool(t, path)
	ctx := context.Background()

	err := first.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('hits', 0)", nil)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	increment := func(pool *sqlitepool.Pool) error {
		return pool.Write(ctx, func(conn *sqlite.Conn) error {
			var value int64
			err := sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'hits'", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					value = stmt.ColumnInt64(0)
					return nil
				},
			})
			if err != nil {
				return err
			}
			return sqlitex.Execute(conn, "UPDATE counters SET value = ? WHERE name = 'hits'", &sqlitex.ExecOptions{
				Args: []any{value + 1},
			})
		})
	}

	const perPool = 20
	var waitGroup sync.WaitGroup
	failures := make(chan error, 2*perPool)
	for _, pool := range []*sqlitepool.Pool{first, second} {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for range perPool {
				if err := increment(pool); err != nil {
					failures <- err
				}
			}
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}

	conn, err := first.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer first.Put(conn)
	if got := queryText(t, conn, "SELECT value FROM counters WHERE name = 'hits'"); got != "40" {
		t.Errorf("counter = %s, want 40", got)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func openTestPool(t *testing.T, path string) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, counterSchema, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func queryText(t *testing.T, conn *sqlite.Conn, query string) string {
	t.Helper()
	var result string
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return result
}
