// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// BeginRequest describes an attach to start a handshake session for.
type BeginRequest struct {
	// Serial is the resolved identity key.
	Serial string

	// Degraded marks a synthetic identity.
	Degraded bool

	Attachment schema.Attachment
}

// Lease is a live session together with the record it owns.
type Lease struct {
	Session schema.Session
	Record  schema.Record

	// Created is true when the attach created a new staging record.
	Created bool
}

// BeginSession acquires the session marker for the attachment's device
// node and moves the device's record to Initializing/Booting, creating
// a staging record for a serial never seen before. Everything happens
// in one IMMEDIATE transaction: if the marker is held by a live session
// the record is untouched and the error wraps [ErrSessionHeld].
//
// A record still marked Active (its detach was missed, for example
// across a crash) is walked through Inactive. Another record still
// claiming the same device node is marked Inactive/NotConnected, and
// sessions for the same serial on other device nodes are dropped.
func (s *Store) BeginSession(ctx context.Context, request BeginRequest) (Lease, error) {
	devPath := request.Attachment.DevPath
	if request.Serial == "" || devPath == "" {
		return Lease{}, fmt.Errorf("devicestore: begin session: serial and device path are required")
	}

	var lease Lease
	err := s.write(ctx, "begin session", func(conn *sqlite.Conn) error {
		now := s.clock.Now()

		session, err := s.acquire(conn, devPath, request.Serial, now)
		if err != nil {
			return err
		}

		if err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE serial = ? AND dev_path != ?`,
			&sqlitex.ExecOptions{Args: []any{request.Serial, devPath}}); err != nil {
			return err
		}
		if err := s.releaseClaims(conn, devPath, request.Serial, now); err != nil {
			return err
		}

		record, found, err := loadRecord(conn, request.Serial)
		if err != nil {
			return err
		}
		if !found {
			record = schema.Record{
				Serial:       request.Serial,
				Table:        schema.TableStaging,
				Status:       schema.StatusInactive,
				DiscoveredAt: now,
			}
		}
		if record.Status == schema.StatusActive {
			s.logger.Warn("active record reattached, resetting through Inactive",
				"serial", record.Serial, "dev_path", devPath)
			if err := transition(&record, schema.StatusInactive); err != nil {
				return err
			}
		}
		if err := transition(&record, schema.StatusInitializing); err != nil {
			return err
		}
		record.State = schema.StateBooting
		record.DevPath = devPath
		record.PortPath = request.Attachment.PortPath
		record.VendorID = request.Attachment.VendorID
		record.ProductID = request.Attachment.ProductID
		record.IdentityDegraded = request.Degraded
		record.LastSeen = now

		if found {
			err = saveRecord(conn, record)
		} else {
			err = insertStaging(conn, record)
		}
		if err != nil {
			return err
		}

		lease = Lease{Session: session, Record: record, Created: !found}
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// AcquireSession takes the session marker for devPath on behalf of
// serial without touching any record. Tools that need exclusive access
// to a port outside the handshake use it together with ReleaseSession.
func (s *Store) AcquireSession(ctx context.Context, devPath, serial string) (schema.Session, error) {
	var session schema.Session
	err := s.write(ctx, "acquire session", func(conn *sqlite.Conn) error {
		var err error
		session, err = s.acquire(conn, devPath, serial, s.clock.Now())
		return err
	})
	return session, err
}

// acquire inserts a new marker for devPath, replacing an expired one.
func (s *Store) acquire(conn *sqlite.Conn, devPath, serial string, now time.Time) (schema.Session, error) {
	existing, found, err := loadSession(conn, "dev_path = ?", devPath)
	if err != nil {
		return schema.Session{}, err
	}
	if found {
		if now.Before(existing.ExpiresAt) {
			return schema.Session{}, fmt.Errorf("%w: %s held by %s until %s",
				ErrSessionHeld, devPath, existing.Owner, existing.ExpiresAt.Format(time.RFC3339))
		}
		s.logger.Warn("taking over stale session",
			"dev_path", devPath,
			"previous_owner", existing.Owner,
			"expired_at", existing.ExpiresAt,
		)
		if err := sqlitex.Execute(conn, `DELETE FROM sessions WHERE dev_path = ?`,
			&sqlitex.ExecOptions{Args: []any{devPath}}); err != nil {
			return schema.Session{}, err
		}
	}

	session := schema.Session{
		DevPath:    devPath,
		Serial:     serial,
		Token:      uuid.NewString(),
		Owner:      s.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.staleAfter),
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (dev_path, serial, token, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			session.DevPath, session.Serial, session.Token, session.Owner,
			toNanos(session.AcquiredAt), toNanos(session.ExpiresAt),
		}})
	if err != nil {
		return schema.Session{}, err
	}
	return session, nil
}

// releaseClaims detaches every record other than serial that still
// names devPath.
func (s *Store) releaseClaims(conn *sqlite.Conn, devPath, serial string, now time.Time) error {
	records, err := queryRecords(conn, "WHERE dev_path = ? AND serial != ?", devPath, serial)
	if err != nil {
		return err
	}
	for _, record := range records {
		s.logger.Warn("clearing stale device node claim",
			"dev_path", devPath, "serial", record.Serial, "status", record.Status)
		if err := detach(conn, record, now); err != nil {
			return err
		}
	}
	return nil
}

// detach marks record Inactive/NotConnected and clears its paths.
func detach(conn *sqlite.Conn, record schema.Record, now time.Time) error {
	if err := transition(&record, schema.StatusInactive); err != nil {
		return err
	}
	record.State = schema.StateNotConnected
	record.DevPath = ""
	record.PortPath = ""
	record.LastSeen = now
	return saveRecord(conn, record)
}

// ReleaseSession deletes the marker holding token. Releasing a marker
// that is already gone is not an error.
func (s *Store) ReleaseSession(ctx context.Context, token string) error {
	return s.write(ctx, "release session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM sessions WHERE token = ?`,
			&sqlitex.ExecOptions{Args: []any{token}})
	})
}

// guarded runs update against the record owned by token's session,
// saves it, and renews the marker. The error wraps ErrSessionLost when
// the marker no longer exists.
func (s *Store) guarded(ctx context.Context, op, token string, update func(record *schema.Record) error) (schema.Record, error) {
	var saved schema.Record
	err := s.write(ctx, op, func(conn *sqlite.Conn) error {
		now := s.clock.Now()
		session, found, err := loadSession(conn, "token = ?", token)
		if err != nil {
			return err
		}
		if !found {
			return ErrSessionLost
		}
		record, found, err := loadRecord(conn, session.Serial)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, session.Serial)
		}
		if record.DevPath != session.DevPath {
			// The record was claimed by a later attach elsewhere.
			return fmt.Errorf("%w: %s now on %q", ErrSessionLost, record.Serial, record.DevPath)
		}

		if err := update(&record); err != nil {
			return err
		}
		record.LastSeen = now
		if err := saveRecord(conn, record); err != nil {
			return err
		}
		saved = record
		return sqlitex.Execute(conn, `UPDATE sessions SET expires_at = ? WHERE token = ?`,
			&sqlitex.ExecOptions{Args: []any{toNanos(now.Add(s.staleAfter)), token}})
	})
	return saved, err
}

// RecordProgress persists a handshake step. Steps at or before the
// record's current step are accepted without changing it.
func (s *Store) RecordProgress(ctx context.Context, token string, state schema.State) error {
	if !state.IsHandshake() {
		return fmt.Errorf("devicestore: record progress: %q is not a handshake state", state)
	}
	_, err := s.guarded(ctx, "record progress", token, func(record *schema.Record) error {
		if record.Status != schema.StatusInitializing {
			return fmt.Errorf("%w: progress for %s in status %s", ErrInvalidTransition, record.Serial, record.Status)
		}
		if state.Step() > record.State.Step() {
			record.State = state
		}
		return nil
	})
	return err
}

// RecordConfig merges captured configuration into the record and
// refreshes its fingerprint.
func (s *Store) RecordConfig(ctx context.Context, token string, config schema.CapturedConfig) error {
	_, err := s.guarded(ctx, "record config", token, func(record *schema.Record) error {
		record.Config = record.Config.Merge(config)
		record.ConfigFingerprint = Fingerprint(record.Config)
		return nil
	})
	return err
}

// Activate hands a named, authorized device to the monitoring
// collector: Initializing/MiningAuthorize becomes Active/Mining.
func (s *Store) Activate(ctx context.Context, token string) (schema.Record, error) {
	return s.guarded(ctx, "activate", token, func(record *schema.Record) error {
		if record.Table != schema.TablePermanent {
			return fmt.Errorf("%w: %s is not named", ErrInvalidTransition, record.Serial)
		}
		if record.State != schema.StateMiningAuthorize {
			return fmt.Errorf("%w: %s has not authorized (state %s)", ErrInvalidTransition, record.Serial, record.State)
		}
		if err := transition(record, schema.StatusActive); err != nil {
			return err
		}
		record.State = schema.StateMining
		return nil
	})
}

// MarkDetached records that devPath went away: every record claiming
// it becomes Inactive/NotConnected with its paths cleared, and the
// session marker is deleted regardless of owner. Returns the serials
// of the records changed.
func (s *Store) MarkDetached(ctx context.Context, devPath string) ([]string, error) {
	var serials []string
	err := s.write(ctx, "mark detached", func(conn *sqlite.Conn) error {
		now := s.clock.Now()
		records, err := queryRecords(conn, "WHERE dev_path = ?", devPath)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := detach(conn, record, now); err != nil {
				return err
			}
			serials = append(serials, record.Serial)
		}
		return sqlitex.Execute(conn, `DELETE FROM sessions WHERE dev_path = ?`,
			&sqlitex.ExecOptions{Args: []any{devPath}})
	})
	if err != nil {
		return nil, err
	}
	return serials, nil
}

// ExpireSessions deletes markers past their expiry and returns how
// many were removed.
func (s *Store) ExpireSessions(ctx context.Context) (int, error) {
	var removed int
	err := s.write(ctx, "expire sessions", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM sessions WHERE expires_at <= ?`,
			&sqlitex.ExecOptions{Args: []any{toNanos(s.clock.Now())}})
		removed = conn.Changes()
		return err
	})
	return removed, err
}

// ListSessions returns every marker, live or expired, ordered by
// device node.
func (s *Store) ListSessions(ctx context.Context) ([]schema.Session, error) {
	var sessions []schema.Session
	err := s.read(ctx, "list sessions", func(conn *sqlite.Conn) error {
		var err error
		sessions, err = querySessions(conn, "")
		return err
	})
	return sessions, err
}

func querySessions(conn *sqlite.Conn, filter string, args ...any) ([]schema.Session, error) {
	var sessions []schema.Session
	err := sqlitex.Execute(conn, `
		SELECT dev_path, serial, token, owner, acquired_at, expires_at
		FROM sessions `+filter+` ORDER BY dev_path`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, schema.Session{
					DevPath:    stmt.ColumnText(0),
					Serial:     stmt.ColumnText(1),
					Token:      stmt.ColumnText(2),
					Owner:      stmt.ColumnText(3),
					AcquiredAt: fromNanos(stmt.ColumnInt64(4)),
					ExpiresAt:  fromNanos(stmt.ColumnInt64(5)),
				})
				return nil
			},
		})
	return sessions, err
}

func loadSession(conn *sqlite.Conn, condition string, args ...any) (schema.Session, bool, error) {
	sessions, err := querySessions(conn, "WHERE "+condition, args...)
	if err != nil || len(sessions) == 0 {
		return schema.Session{}, false, err
	}
	return sessions[0], true, nil
}
