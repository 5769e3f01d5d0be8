// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/codec"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// JournalEntry is one recorded hotplug event.
type JournalEntry struct {
	// Seq is the journal's own sequence, monotonic across restarts.
	// The event's Seq is the watcher's, which restarts at 1.
	Seq   int64               `json:"seq"`
	Event schema.HotplugEvent `json:"event"`
}

// AppendJournal records a hotplug event and trims the journal to the
// configured retention.
func (s *Store) AppendJournal(ctx context.Context, event schema.HotplugEvent) error {
	encoded, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("devicestore: append journal: encoding event: %w", err)
	}
	return s.write(ctx, "append journal", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO hotplug_journal (received_at, kind, dev_path, event)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				toNanos(event.ReceivedAt), string(event.Kind), event.Attachment.DevPath, encoded,
			}})
		if err != nil || s.journalRetention <= 0 {
			return err
		}
		return sqlitex.Execute(conn, `
			DELETE FROM hotplug_journal
			WHERE seq <= (SELECT MAX(seq) FROM hotplug_journal) - ?`,
			&sqlitex.ExecOptions{Args: []any{s.journalRetention}})
	})
}

// RecentJournal returns up to limit entries, newest first.
func (s *Store) RecentJournal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []JournalEntry
	err := s.read(ctx, "recent journal", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT seq, event FROM hotplug_journal ORDER BY seq DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					data := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, data)
					var event schema.HotplugEvent
					if err := codec.Unmarshal(data, &event); err != nil {
						return fmt.Errorf("decoding journal entry %d: %w", stmt.ColumnInt64(0), err)
					}
					entries = append(entries, JournalEntry{Seq: stmt.ColumnInt64(0), Event: event})
					return nil
				},
			})
	})
	return entries, err
}
