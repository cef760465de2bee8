// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package serialport connects the recorder to a device over a serial port.
package serialport

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.uber.org/atomic"
)

var (
	// ErrPortBusy is returned when the port is used by another process.
	ErrPortBusy = errors.New("serial port is busy")
	// ErrPortNotFound is returned when the port does not exist.
	ErrPortNotFound = errors.New("serial port not found")
	// ErrPortAbsent is returned when no port name was given.
	ErrPortAbsent = errors.New("no serial port selected")
	// ErrClosed is returned when writing to a closed port.
	ErrClosed = fmt.Errorf("%w: serial port is closed", ads.ErrInvalidState)
)

// Tests replace the system port.
var openPort = func(name string, mode *serial.Mode) (portHandle, error) {
	return serial.Open(name, mode)
}

type portHandle interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// Option configures a Port.
type Option func(*Port)

// WithLogger sets the port logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// Port is an open serial port. Received bytes are delivered to the listener
// from a single reading goroutine.
type Port struct {
	name   string
	handle portHandle
	logger zerolog.Logger

	open     atomic.Bool
	listener atomic.Pointer[func(p []byte)]

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Open opens the named port with 8 data bits, no parity and one stop bit.
func Open(name string, baudRate int, opts ...Option) (*Port, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrPortAbsent
	}

	handle, err := openPort(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, classify(name, err)
	}

	p := &Port{
		name:   name,
		handle: handle,
		logger: log.Logger.With().Str("component", "serialport").Logger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("port", name).Logger()
	p.open.Store(true)

	go p.readLoop()

	p.logger.Info().Int("baudRate", baudRate).Msg("Serial port opened")
	return p, nil
}

func classify(name string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy:
			return fmt.Errorf("%w: %s: %v", ErrPortBusy, name, err)
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s: %v", ErrPortNotFound, name, err)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrPortNotFound, name, err)
	}
	return fmt.Errorf("error opening serial port %s: %w", name, err)
}

// Name returns the name the port was opened with.
func (p *Port) Name() string {
	return p.name
}

// SetListener sets the receiver of incoming bytes, nil removes it. The slice
// is only valid during the call.
func (p *Port) SetListener(l func(b []byte)) {
	if l == nil {
		p.listener.Store(nil)
		return
	}
	p.listener.Store(&l)
}

// IsOpen reports whether the port is open.
func (p *Port) IsOpen() bool {
	return p.open.Load()
}

// Write sends b to the device.
func (p *Port) Write(b []byte) (int, error) {
	if !p.open.Load() {
		return 0, ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	n, err := p.handle.Write(b)
	if err != nil {
		return n, fmt.Errorf("error writing to serial port %s: %w", p.name, err)
	}
	return n, nil
}

// WriteByte sends a single command byte to the device.
func (p *Port) WriteByte(c byte) error {
	_, err := p.Write([]byte{c})
	return err
}

// Close closes the port. The reading goroutine exits once the pending read
// returns. Calling Close more than once is a no-op.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.open.Store(false)
		if err := p.handle.Close(); err != nil {
			p.closeErr = fmt.Errorf("error closing serial port %s: %w", p.name, err)
		}
		p.logger.Info().Msg("Serial port closed")
	})
	return p.closeErr
}

// Done is closed when the reading goroutine has exited.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

func (p *Port) readLoop() {
	defer close(p.done)

	buf := make([]byte, 4096)
	for {
		n, err := p.handle.Read(buf)
		if n > 0 {
			if l := p.listener.Load(); l != nil {
				(*l)(buf[:n])
			}
		}
		if err != nil {
			if p.open.Swap(false) {
				p.logger.Error().Err(err).Msg("Serial port read failed")
			}
			return
		}
	}
}
