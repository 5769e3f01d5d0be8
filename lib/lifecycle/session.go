// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/handshake"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/serialport"
)

// runSession drives one session to completion, releases its marker,
// and reports back to the event loop.
func (c *Coordinator) runSession(ctx context.Context, current *session) {
	defer c.wg.Done()
	defer current.cancel()

	outcome := c.drive(ctx, current)
	if outcome.Err != nil && ctx.Err() != nil {
		// Store calls interrupted by the cancellation surface as
		// SQLite errors; report the cancellation itself.
		outcome.Err = ctx.Err()
	}

	// The marker must go even when the session was cancelled.
	releaseCtx := context.WithoutCancel(ctx)
	if err := c.store.ReleaseSession(releaseCtx, current.token); err != nil {
		c.logger.Warn("releasing session failed",
			"dev_path", current.devPath,
			"serial", current.serial,
			"error", err,
		)
		if outcome.Err == nil {
			outcome.Err = err
		}
	}

	c.logOutcome(outcome)

	if errors.Is(outcome.Err, devicestore.ErrStoreUnavailable) {
		select {
		case c.fatal <- outcome.Err:
		default:
		}
	}

	select {
	case c.ended <- sessionEnd{session: current, outcome: outcome}:
	case <-c.loopDone:
	}
}

// drive waits the settle delay, opens the port, runs the handshake,
// and activates a named device that authorized.
func (c *Coordinator) drive(ctx context.Context, current *session) Outcome {
	outcome := Outcome{DevPath: current.devPath, Serial: current.serial}

	if c.settleDelay > 0 {
		select {
		case <-c.clock.After(c.settleDelay):
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			return outcome
		}
	}

	port, err := c.opener.Open(ctx, current.devPath)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	closePort := sync.OnceValue(port.Close)
	stop := context.AfterFunc(ctx, func() { closePort() })
	defer func() {
		stop()
		closePort()
	}()

	observer := handshake.ObserverFuncs{
		OnProgress: func(state schema.State) error {
			if err := c.store.RecordProgress(ctx, current.token, state); err != nil {
				return err
			}
			c.logger.Debug("handshake progress",
				"dev_path", current.devPath,
				"serial", current.serial,
				"state", state,
			)
			if c.onProgress != nil {
				c.onProgress(current.devPath, state)
			}
			return nil
		},
		OnConfig: func(config schema.CapturedConfig) error {
			return c.store.RecordConfig(ctx, current.token, config)
		},
	}

	result, err := handshake.Run(ctx, port, handshake.RunConfig{
		Window: c.window,
		Clock:  c.clock,
		Path:   current.devPath,
	}, observer)
	outcome.State = result.State
	outcome.Config = result.Config
	if err != nil {
		outcome.Err = err
		return outcome
	}

	if !current.named {
		return outcome
	}
	if _, err := c.store.Activate(ctx, current.token); err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.State = schema.StateMining
	outcome.Activated = true
	return outcome
}

func (c *Coordinator) logOutcome(outcome Outcome) {
	logger := c.logger.With(
		"dev_path", outcome.DevPath,
		"serial", outcome.Serial,
		"state", outcome.State,
	)

	var transportErr *serialport.TransportError
	switch err := outcome.Err; {
	case err == nil && outcome.Activated:
		logger.Info("device active")
	case err == nil:
		logger.Info("handshake complete, device awaiting naming")
	case errors.Is(err, context.Canceled), errors.Is(err, devicestore.ErrSessionLost):
		logger.Info("session ended by detach or shutdown")
	case errors.Is(err, handshake.ErrProtocolTimeout):
		logger.Warn("handshake timed out", "error", err)
	case errors.As(err, &transportErr):
		logger.Warn("serial transport failed",
			"disconnected", transportErr.Disconnected(),
			"error", err,
		)
	default:
		logger.Error("session failed", "error", err)
	}
}
