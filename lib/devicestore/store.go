// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/logging"
	"github.com/shepherd-fleet/shepherd/lib/sqlitepool"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// BusyTimeout bounds waits on another process's write lock.
	BusyTimeout time.Duration

	// StaleAfter is how long a session marker lives without renewal.
	// Defaults to 2 minutes.
	StaleAfter time.Duration

	// Owner identifies this process in session markers. Defaults to
	// "hostname/pid".
	Owner string

	// JournalRetention is the number of hotplug journal rows kept.
	// Zero keeps everything.
	JournalRetention int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the device record database. Safe for concurrent use by
// multiple goroutines and multiple processes.
type Store struct {
	pool             *sqlitepool.Pool
	clock            clock.Clock
	logger           *slog.Logger
	staleAfter       time.Duration
	owner            string
	journalRetention int
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := logging.OrDiscard(cfg.Logger)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("devicestore: %w: %w", ErrStoreUnavailable, err)
	}

	store := &Store{
		pool:             pool,
		clock:            cfg.Clock,
		logger:           logger,
		staleAfter:       cfg.StaleAfter,
		owner:            cfg.Owner,
		journalRetention: cfg.JournalRetention,
	}

	ctx := context.Background()
	if err := pool.Write(ctx, migrate); err != nil {
		pool.Close()
		return nil, classify(ctx, "creating schema", err)
	}
	return store, nil
}

// Close closes the connection pool, blocking until borrowed
// connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Owner returns the identity this store writes into session markers.
func (s *Store) Owner() string { return s.owner }

func defaultOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s/%d", hostname, os.Getpid())
}

// recordColumns are shared by both record tables, in scan order.
const recordColumns = `
	serial             TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	state              TEXT NOT NULL,
	dev_path           TEXT NOT NULL DEFAULT '',
	port_path          TEXT NOT NULL DEFAULT '',
	vendor_id          TEXT NOT NULL DEFAULT '',
	product_id         TEXT NOT NULL DEFAULT '',
	identity_degraded  INTEGER NOT NULL DEFAULT 0,
	pool_url           TEXT NOT NULL DEFAULT '',
	wallet_address     TEXT NOT NULL DEFAULT '',
	firmware_version   TEXT NOT NULL DEFAULT '',
	ip_address         TEXT NOT NULL DEFAULT '',
	config_fingerprint TEXT NOT NULL DEFAULT '',
	discovered_at      INTEGER NOT NULL,
	last_seen          INTEGER NOT NULL DEFAULT 0`

var schemaScript = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS staging (%[1]s
	);
	CREATE INDEX IF NOT EXISTS idx_staging_dev_path ON staging(dev_path) WHERE dev_path != '';
	CREATE INDEX IF NOT EXISTS idx_staging_status ON staging(status, state);

	CREATE TABLE IF NOT EXISTS permanent (%[1]s,
		name           TEXT NOT NULL UNIQUE,
		location_notes TEXT NOT NULL DEFAULT '',
		onboarded_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_permanent_dev_path ON permanent(dev_path) WHERE dev_path != '';
	CREATE INDEX IF NOT EXISTS idx_permanent_status ON permanent(status);

	CREATE TABLE IF NOT EXISTS sessions (
		dev_path    TEXT PRIMARY KEY,
		serial      TEXT NOT NULL,
		token       TEXT NOT NULL UNIQUE,
		owner       TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_serial ON sessions(serial);

	CREATE TABLE IF NOT EXISTS hotplug_journal (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		dev_path    TEXT NOT NULL,
		event       BLOB NOT NULL
	);
`, recordColumns)

// migrate creates the schema inside the caller's transaction and
// refuses databases written by a newer release.
func migrate(conn *sqlite.Conn) error {
	version := 0
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported version %d",
			ErrStoreUnavailable, version, schemaVersion)
	}
	if err := sqlitex.ExecuteScript(conn, schemaScript, nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion), nil)
}

// write runs fn in an IMMEDIATE transaction and classifies the error.
func (s *Store) write(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	return classify(ctx, op, s.pool.Write(ctx, fn))
}

// read runs fn in a read transaction and classifies the error.
func (s *Store) read(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	return classify(ctx, op, s.pool.Read(ctx, fn))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
