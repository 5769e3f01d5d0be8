// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
)

var (
	// ErrStoreUnavailable means the database cannot be used at all.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSessionHeld means another live session owns the device node.
	ErrSessionHeld = errors.New("session held by another owner")

	// ErrSessionLost means the caller's session marker no longer
	// exists: the device was detached, promoted, or taken over.
	ErrSessionLost = errors.New("session lost")

	// ErrNotFound means no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrNameTaken means a permanent record already uses the name.
	ErrNameTaken = errors.New("name already taken")

	// ErrInvalidTransition means the write would break the status
	// state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var domainErrors = []error{
	ErrStoreUnavailable,
	ErrSessionHeld,
	ErrSessionLost,
	ErrNotFound,
	ErrNameTaken,
	ErrInvalidTransition,
}

// classify prefixes err with the operation and marks storage failures
// that cannot be retried as ErrStoreUnavailable. Busy and locked
// results are left unmarked: another process held the write lock past
// the busy timeout, which ends one session, not the daemon.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domainErr := range domainErrors {
		if errors.Is(err, domainErr) {
			return fmt.Errorf("devicestore: %s: %w", op, err)
		}
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("devicestore: %s: %w", op, err)
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked, sqlite.ResultInterrupt:
		return fmt.Errorf("devicestore: %s: %w", op, err)
	}
	return fmt.Errorf("devicestore: %s: %w: %w", op, ErrStoreUnavailable, err)
}
