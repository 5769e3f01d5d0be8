// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/serialport"
)

// ErrProtocolTimeout is returned by [Run] when the window elapses
// before MiningAuthorize. The accompanying Result holds the partial
// progress.
var ErrProtocolTimeout = errors.New("handshake: protocol timeout")

// DefaultWindow bounds a handshake when RunConfig.Window is zero.
const DefaultWindow = 90 * time.Second

// maxLineBytes bounds one console line. Longer lines end the session
// with a transport error.
const maxLineBytes = 64 * 1024

// RunConfig configures [Run].
type RunConfig struct {
	// Window is the total time allowed to reach MiningAuthorize.
	Window time.Duration

	// Clock times the window. Defaults to the real clock.
	Clock clock.Clock

	// Path names the port in transport errors.
	Path string
}

// Observer receives handshake progress as it happens. An error from
// either method ends the run and is returned unchanged.
type Observer interface {
	Progress(state schema.State) error
	Config(config schema.CapturedConfig) error
}

// ObserverFuncs adapts plain functions to [Observer]. Nil fields are
// no-ops.
type ObserverFuncs struct {
	OnProgress func(schema.State) error
	OnConfig   func(schema.CapturedConfig) error
}

func (o ObserverFuncs) Progress(state schema.State) error {
	if o.OnProgress == nil {
		return nil
	}
	return o.OnProgress(state)
}

func (o ObserverFuncs) Config(config schema.CapturedConfig) error {
	if o.OnConfig == nil {
		return nil
	}
	return o.OnConfig(config)
}

// Run reads console lines from r and drives a [Parser] until
// MiningAuthorize, window expiry, a read failure, an observer error,
// or context cancellation. The Result always reflects everything
// observed before Run returned.
//
// Run does not close r. A reader blocked in Read is abandoned when Run
// returns early; callers unblock it by closing the underlying port.
func Run(ctx context.Context, r io.Reader, cfg RunConfig, observer Observer) (Result, error) {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}

	parser := &Parser{}
	if err := ctx.Err(); err != nil {
		return parser.Result(), err
	}

	deadline := clk.After(window)
	lines := make(chan string)
	readDone := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		readDone <- err
	}()

	// The tokenizer sees lines through a pull-style sequence that ends
	// when any of the exit conditions fire.
	var exitErr error
	source := func(yield func(string) bool) {
		for {
			select {
			case line := <-lines:
				if !yield(line) {
					return
				}
			case err := <-readDone:
				exitErr = transportError(cfg.Path, err)
				return
			case <-deadline:
				exitErr = ErrProtocolTimeout
				return
			case <-ctx.Done():
				exitErr = ctx.Err()
				return
			}
		}
	}

	for token := range Tokenize(source) {
		change := parser.Apply(token)
		if change.Advanced {
			if err := observer.Progress(parser.State()); err != nil {
				return parser.Result(), err
			}
		}
		if change.ConfigChanged {
			if err := observer.Config(parser.Config()); err != nil {
				return parser.Result(), err
			}
		}
		if parser.Authorized() {
			return parser.Result(), nil
		}
	}
	if errors.Is(exitErr, ErrProtocolTimeout) {
		return parser.Result(), fmt.Errorf("%w after %s at state %q", ErrProtocolTimeout, window, parser.State())
	}
	return parser.Result(), exitErr
}

func transportError(path string, err error) error {
	var transportErr *serialport.TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	return &serialport.TransportError{Op: "read", Path: path, Err: err}
}
