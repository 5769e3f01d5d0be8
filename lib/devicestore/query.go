// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// Lookup returns the record for serial from either table.
func (s *Store) Lookup(ctx context.Context, serial string) (schema.Record, error) {
	var record schema.Record
	err := s.read(ctx, "lookup", func(conn *sqlite.Conn) error {
		var found bool
		var err error
		record, found, err = loadRecord(conn, serial)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, serial)
		}
		return nil
	})
	return record, err
}

// ListActive returns the devices the monitoring collector may open.
func (s *Store) ListActive(ctx context.Context) ([]schema.Record, error) {
	return s.list(ctx, "list active", "WHERE status = ?", string(schema.StatusActive))
}

// ListAwaitingNaming returns staging devices that completed their
// handshake and are waiting for an operator to name them.
func (s *Store) ListAwaitingNaming(ctx context.Context) ([]schema.Record, error) {
	records, err := s.list(ctx, "list awaiting naming", "WHERE status = ? AND state = ?",
		string(schema.StatusInitializing), string(schema.StateMiningAuthorize))
	if err != nil {
		return nil, err
	}
	// A permanent record passes through the same status and state
	// between authorization and activation.
	awaiting := records[:0]
	for _, record := range records {
		if record.AwaitingNaming() {
			awaiting = append(awaiting, record)
		}
	}
	return awaiting, nil
}

// ListRecords returns every record, permanent first, each table
// ordered by serial.
func (s *Store) ListRecords(ctx context.Context) ([]schema.Record, error) {
	return s.list(ctx, "list records", "")
}

func (s *Store) list(ctx context.Context, op, filter string, args ...any) ([]schema.Record, error) {
	var records []schema.Record
	err := s.read(ctx, op, func(conn *sqlite.Conn) error {
		var err error
		records, err = queryRecords(conn, filter, args...)
		return err
	})
	return records, err
}

// Snapshot is a consistent view of the whole store.
type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Records     []schema.Record  `json:"devices"`
	Sessions    []schema.Session `json:"sessions"`
}

// Snapshot reads records and sessions from one read transaction.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot := Snapshot{GeneratedAt: s.clock.Now()}
	err := s.read(ctx, "snapshot", func(conn *sqlite.Conn) error {
		var err error
		if snapshot.Records, err = queryRecords(conn, ""); err != nil {
			return err
		}
		snapshot.Sessions, err = querySessions(conn, "")
		return err
	})
	return snapshot, err
}
