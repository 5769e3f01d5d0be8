// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package serialport

import (
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// TransportError reports a failure opening or reading a port.
type TransportError struct {
	// Op is "open", "configure" or "read".
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("serialport: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Disconnected reports whether the failure means the device went away
// (unplugged or the port was closed underneath the reader) rather than
// a configuration or permission problem.
func (e *TransportError) Disconnected() bool {
	if errors.Is(e.Err, io.EOF) || errors.Is(e.Err, io.ErrClosedPipe) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(e.Err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		}
	}
	return false
}
