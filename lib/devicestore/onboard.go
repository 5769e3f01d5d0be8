// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// Promote names a staging device: its row moves from staging to
// permanent with Status reset to Inactive, carrying over its
// attachment, state and captured configuration. Any in-flight session
// for the serial is ended. The discovery poll then re-runs the
// handshake, which activates the device.
func (s *Store) Promote(ctx context.Context, serial, name, notes string) (schema.Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return schema.Record{}, fmt.Errorf("devicestore: promote: name is required")
	}

	var promoted schema.Record
	err := s.write(ctx, "promote", func(conn *sqlite.Conn) error {
		record, found, err := loadRecord(conn, serial)
		if err != nil {
			return err
		}
		if !found || record.Table != schema.TableStaging {
			return fmt.Errorf("%w: no staging record for %s", ErrNotFound, serial)
		}

		taken := false
		err = sqlitex.Execute(conn, `SELECT 1 FROM permanent WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(*sqlite.Stmt) error {
				taken = true
				return nil
			},
		})
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %q", ErrNameTaken, name)
		}

		if err := sqlitex.Execute(conn, `DELETE FROM staging WHERE serial = ?`,
			&sqlitex.ExecOptions{Args: []any{serial}}); err != nil {
			return err
		}
		if err := sqlitex.Execute(conn, `DELETE FROM sessions WHERE serial = ?`,
			&sqlitex.ExecOptions{Args: []any{serial}}); err != nil {
			return err
		}

		if err := transition(&record, schema.StatusInactive); err != nil {
			return err
		}
		now := s.clock.Now()
		record.Table = schema.TablePermanent
		record.Name = name
		record.LocationNotes = strings.TrimSpace(notes)
		record.OnboardedAt = now
		if err := insertPermanent(conn, record); err != nil {
			return err
		}
		promoted = record
		return nil
	})
	if err != nil {
		return schema.Record{}, err
	}
	s.logger.Info("device promoted", "serial", serial, "name", name)
	return promoted, nil
}
