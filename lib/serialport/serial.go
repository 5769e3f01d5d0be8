// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package serialport

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/shepherd-fleet/shepherd/lib/clock"
)

// Opener opens a device console for reading.
type Opener interface {
	Open(ctx context.Context, devPath string) (io.ReadCloser, error)
}

// Serial opens real serial ports.
type Serial struct {
	// BaudRate defaults to 115200.
	BaudRate int

	// ReadTimeout is the poll interval of the underlying read. Reads
	// that time out without data are retried internally, so callers
	// only see data or an error. Defaults to 100ms.
	ReadTimeout time.Duration

	// PulseReset drives RTS high then low after opening, which holds
	// EN low on common ESP32 dev boards and forces a fresh boot log
	// even on adapters that do not reset on DTR.
	PulseReset bool

	// Clock times the reset pulse. Defaults to the real clock.
	Clock clock.Clock
}

const resetPulse = 100 * time.Millisecond

// Open opens devPath at the configured baud rate, 8N1.
func (s Serial) Open(ctx context.Context, devPath string) (io.ReadCloser, error) {
	baudRate := s.BaudRate
	if baudRate == 0 {
		baudRate = 115200
	}
	readTimeout := s.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 100 * time.Millisecond
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := serial.Open(devPath, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Path: devPath, Err: err}
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, &TransportError{Op: "configure", Path: devPath, Err: err}
	}

	if s.PulseReset {
		if err := s.pulseReset(ctx, port); err != nil {
			_ = port.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Op: "configure", Path: devPath, Err: err}
		}
	}

	return &Port{port: port, path: devPath}, nil
}

func (s Serial) pulseReset(ctx context.Context, port serial.Port) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if err := port.SetDTR(false); err != nil {
		return err
	}
	if err := port.SetRTS(true); err != nil {
		return err
	}
	select {
	case <-clk.After(resetPulse):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := port.SetRTS(false); err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

// Port is an open serial console.
type Port struct {
	port   serial.Port
	path   string
	closed atomic.Bool
}

// Read blocks until data arrives, the port fails, or Close is called.
func (p *Port) Read(buffer []byte) (int, error) {
	for {
		n, err := p.port.Read(buffer)
		if err != nil {
			return n, &TransportError{Op: "read", Path: p.path, Err: err}
		}
		if n > 0 {
			return n, nil
		}
		if p.closed.Load() {
			return 0, &TransportError{Op: "read", Path: p.path, Err: io.ErrClosedPipe}
		}
	}
}

// Close releases the port. Safe to call more than once and from a
// goroutine other than the reader.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.port.Close()
}

// Path returns the device node the port was opened on.
func (p *Port) Path() string { return p.path }
