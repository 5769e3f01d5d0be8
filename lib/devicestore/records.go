// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// selectColumns is the shared column list of both record tables, in
// the order scanRecord reads them after the table name.
const selectColumns = `serial, status, state, dev_path, port_path, vendor_id, product_id,
	identity_degraded, pool_url, wallet_address, firmware_version, ip_address,
	config_fingerprint, discovered_at, last_seen`

// recordQuery selects from both tables with the same filter on each
// side. The filter's arguments must therefore be passed twice.
func recordQuery(filter string) string {
	return fmt.Sprintf(`
		SELECT 'staging', %[1]s, '', '', 0 FROM staging %[2]s
		UNION ALL
		SELECT 'permanent', %[1]s, name, location_notes, onboarded_at FROM permanent %[2]s
		ORDER BY 1, 2`, selectColumns, filter)
}

func scanRecord(stmt *sqlite.Stmt) schema.Record {
	return schema.Record{
		Table:            schema.Table(stmt.ColumnText(0)),
		Serial:           stmt.ColumnText(1),
		Status:           schema.Status(stmt.ColumnText(2)),
		State:            schema.State(stmt.ColumnText(3)),
		DevPath:          stmt.ColumnText(4),
		PortPath:         stmt.ColumnText(5),
		VendorID:         stmt.ColumnText(6),
		ProductID:        stmt.ColumnText(7),
		IdentityDegraded: stmt.ColumnInt64(8) != 0,
		Config: schema.CapturedConfig{
			PoolURL:         stmt.ColumnText(9),
			WalletAddress:   stmt.ColumnText(10),
			FirmwareVersion: stmt.ColumnText(11),
			IPAddress:       stmt.ColumnText(12),
		},
		ConfigFingerprint: stmt.ColumnText(13),
		DiscoveredAt:      fromNanos(stmt.ColumnInt64(14)),
		LastSeen:          fromNanos(stmt.ColumnInt64(15)),
		Name:              stmt.ColumnText(16),
		LocationNotes:     stmt.ColumnText(17),
		OnboardedAt:       fromNanos(stmt.ColumnInt64(18)),
	}
}

// queryRecords runs recordQuery(filter) with args bound on both sides.
func queryRecords(conn *sqlite.Conn, filter string, args ...any) ([]schema.Record, error) {
	var records []schema.Record
	err := sqlitex.Execute(conn, recordQuery(filter), &sqlitex.ExecOptions{
		Args: append(append([]any{}, args...), args...),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	return records, err
}

// loadRecord returns the record for serial from whichever table holds
// it.
func loadRecord(conn *sqlite.Conn, serial string) (schema.Record, bool, error) {
	records, err := queryRecords(conn, "WHERE serial = ?", serial)
	if err != nil || len(records) == 0 {
		return schema.Record{}, false, err
	}
	return records[0], true, nil
}

// insertStaging creates a new staging row.
func insertStaging(conn *sqlite.Conn, record schema.Record) error {
	return sqlitex.Execute(conn, `
		INSERT INTO staging (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: recordArgs(record)})
}

// insertPermanent creates a new permanent row.
func insertPermanent(conn *sqlite.Conn, record schema.Record) error {
	return sqlitex.Execute(conn, `
		INSERT INTO permanent (`+selectColumns+`, name, location_notes, onboarded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: append(recordArgs(record),
			record.Name, record.LocationNotes, toNanos(record.OnboardedAt))})
}

// saveRecord rewrites every mutable column of an existing row in the
// table named by record.Table.
func saveRecord(conn *sqlite.Conn, record schema.Record) error {
	table, err := tableName(record.Table)
	if err != nil {
		return err
	}
	args := recordArgs(record)
	// Move serial from the front to the WHERE clause.
	args = append(args[1:], record.Serial)
	return sqlitex.Execute(conn, `
		UPDATE `+table+` SET
			status = ?, state = ?, dev_path = ?, port_path = ?, vendor_id = ?, product_id = ?,
			identity_degraded = ?, pool_url = ?, wallet_address = ?, firmware_version = ?,
			ip_address = ?, config_fingerprint = ?, discovered_at = ?, last_seen = ?
		WHERE serial = ?`,
		&sqlitex.ExecOptions{Args: args})
}

func recordArgs(record schema.Record) []any {
	return []any{
		record.Serial,
		string(record.Status),
		string(record.State),
		record.DevPath,
		record.PortPath,
		record.VendorID,
		record.ProductID,
		record.IdentityDegraded,
		record.Config.PoolURL,
		record.Config.WalletAddress,
		record.Config.FirmwareVersion,
		record.Config.IPAddress,
		record.ConfigFingerprint,
		toNanos(record.DiscoveredAt),
		toNanos(record.LastSeen),
	}
}

func tableName(table schema.Table) (string, error) {
	switch table {
	case schema.TableStaging:
		return "staging", nil
	case schema.TablePermanent:
		return "permanent", nil
	}
	return "", fmt.Errorf("unknown table %q", table)
}

// transition moves record to status, enforcing the state machine.
func transition(record *schema.Record, to schema.Status) error {
	if !schema.CanTransition(record.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, record.Serial, record.Status, to)
	}
	record.Status = to
	return nil
}
