// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
)

// Frame markers and message codes sent by the device.
const (
	frameStart    = 0xAA
	messageMarker = 0xA5
	frameStop     = 0x55

	msgHello         = 0xA0
	msgHardware      = 0xA4
	msgStopRecording = 0xA5
	msgLowBattery    = 0x5A

	minMessageSize  = 5
	maxMessageSize  = 32
	dataHeaderSize  = 4 // start, start, counter (2 bytes)
	bytesPerSample  = 3
	bytesPerAxis    = 2
	bytesPerBattery = 2
)

// MessageType classifies non-data messages emitted by the decoder.
type MessageType int

const (
	MessageHello MessageType = iota
	MessageDeviceType
	MessageStopRecording
	MessageLowBattery
	MessageFrameBroken
	MessageUnknown
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageDeviceType:
		return "device type"
	case MessageStopRecording:
		return "stop recording"
	case MessageLowBattery:
		return "low battery"
	case MessageFrameBroken:
		return "frame broken"
	}
	return "unknown"
}

// Message is a status message from the device, or a decoder notice.
type Message struct {
	Type       MessageType
	DeviceType DeviceType // Set for MessageDeviceType.
	Info       string
}

// MessageListener receives status messages.
type MessageListener func(Message)

// DataListener receives decoded data frames with their sequence number. The
// frame slice is owned by the listener.
type DataListener func(frame []int, number int)

// FrameDecoder turns the raw byte stream from the device into messages and,
// when constructed with a configuration, numbered data frames.
//
// A frame starts with 0xAA and ends with 0x55. The second byte selects a data
// frame (0xAA) or a message (0xA5, followed by the total message size).
// Malformed frames are reported as MessageFrameBroken and decoding resumes at
// the next 0xAA.
type FrameDecoder struct {
	cfg         *Config
	frameSize   int
	buf         []byte
	size        int // Expected size of the frame in buf, 0 while unknown.
	lastCounter int
	number      int
	onData      DataListener
	onMessage   MessageListener
	logger      zerolog.Logger
}

// NewFrameDecoder creates a decoder. With a nil configuration data frames are
// not decoded and only messages are reported.
func NewFrameDecoder(cfg *Config, logger zerolog.Logger) *FrameDecoder {
	d := &FrameDecoder{
		lastCounter: -1,
		logger:      logger,
	}
	if cfg != nil {
		c := cfg.Clone()
		d.cfg = &c
		d.frameSize = dataFrameSize(c)
	}
	return d
}

// SetDataListener sets the data frame listener, nil removes it.
func (d *FrameDecoder) SetDataListener(l DataListener) {
	d.onData = l
}

// SetMessageListener sets the message listener, nil removes it.
func (d *FrameDecoder) SetMessageListener(l MessageListener) {
	d.onMessage = l
}

// Feed processes incoming bytes. It must not be called concurrently.
func (d *FrameDecoder) Feed(p []byte) {
	for _, b := range p {
		d.processByte(b)
	}
}

func dataFrameSize(c Config) int {
	n := dataHeaderSize
	for _, i := range c.EnabledChannels() {
		n += int(MaxDivider/c.Channels[i].Divider) * bytesPerSample
	}
	if c.AccelerometerEnabled {
		n += 3 * int(MaxDivider/c.AccelerometerDivider) * bytesPerAxis
	}
	if c.BatteryEnabled {
		n += bytesPerBattery
	}
	n += c.LeadOffFieldCount()
	return n + 1
}

func (d *FrameDecoder) processByte(b byte) {
	switch len(d.buf) {
	case 0:
		if b == frameStart {
			d.buf = append(d.buf, b)
		}
		return
	case 1:
		switch {
		case b == messageMarker:
			d.size = 0
		case b == frameStart && d.cfg != nil:
			d.size = d.frameSize
		case b == frameStart:
			// Data without a configuration can not be sized, treat this
			// byte as a new frame start.
			return
		default:
			d.reset()
			return
		}
	case 2:
		if d.buf[1] == messageMarker {
			size := int(b)
			if size < minMessageSize || size > maxMessageSize {
				d.broken(fmt.Sprintf("invalid message size %d", size), b)
				return
			}
			d.size = size
		}
	}

	d.buf = append(d.buf, b)
	if d.size == 0 || len(d.buf) < d.size {
		return
	}

	if b != frameStop {
		d.broken(fmt.Sprintf("missing frame end marker, got 0x%02X", b))
		return
	}

	frame := d.buf
	d.buf = nil
	d.size = 0
	if frame[1] == messageMarker {
		d.dispatchMessage(frame)
	} else {
		d.dispatchData(frame)
	}
}

func (d *FrameDecoder) reset() {
	d.buf = d.buf[:0]
	d.size = 0
}

// broken reports a malformed frame and rescans the bytes after its start
// marker followed by the pending bytes not yet buffered, so a frame start
// hidden inside the broken frame is not lost.
func (d *FrameDecoder) broken(reason string, pending ...byte) {
	rest := append([]byte(nil), d.buf[1:]...)
	rest = append(rest, pending...)
	info := fmt.Sprintf("broken frame: %s (% X)", reason, d.buf)
	d.buf = nil
	d.size = 0

	d.notifyMessage(Message{Type: MessageFrameBroken, Info: info})
	d.Feed(rest)
}

func (d *FrameDecoder) dispatchMessage(frame []byte) {
	code := frame[3]
	switch code {
	case msgHello:
		d.notifyMessage(Message{Type: MessageHello})
	case msgHardware:
		if len(frame) < 6 {
			d.notifyMessage(Message{Type: MessageFrameBroken, Info: fmt.Sprintf("hardware message without payload (% X)", frame)})
			return
		}
		t, err := DeviceTypeOf(int(frame[4]))
		if err != nil {
			d.notifyMessage(Message{Type: MessageUnknown, Info: err.Error()})
			return
		}
		d.notifyMessage(Message{Type: MessageDeviceType, DeviceType: t})
	case msgStopRecording:
		d.notifyMessage(Message{Type: MessageStopRecording})
	case msgLowBattery:
		d.notifyMessage(Message{Type: MessageLowBattery, Info: "low battery"})
	default:
		d.notifyMessage(Message{Type: MessageUnknown, Info: fmt.Sprintf("unknown message 0x%02X", code)})
	}
}

func (d *FrameDecoder) dispatchData(frame []byte) {
	counter := int(binary.LittleEndian.Uint16(frame[2:4]))
	if d.lastCounter >= 0 {
		if expected := (d.lastCounter + 1) & 0xFFFF; counter != expected {
			d.logger.Warn().
				Int("expected", expected).
				Int("received", counter).
				Int("lost", (counter-expected)&0xFFFF).
				Msg("lost data frames")
		}
	}
	d.lastCounter = counter

	cfg := d.cfg
	out := make([]int, 0, cfg.FrameLength())
	p := frame[dataHeaderSize:]

	for _, i := range cfg.EnabledChannels() {
		for j := 0; j < int(MaxDivider/cfg.Channels[i].Divider); j++ {
			out = append(out, int24(p))
			p = p[bytesPerSample:]
		}
	}

	if cfg.AccelerometerEnabled {
		n := int(MaxDivider / cfg.AccelerometerDivider)
		axes := make([][]int, 3)
		for a := range axes {
			axes[a] = make([]int, n)
			for j := 0; j < n; j++ {
				axes[a][j] = int(int16(binary.LittleEndian.Uint16(p)))
				p = p[bytesPerAxis:]
			}
		}
		if cfg.AccelerometerOneChannel {
			for j := 0; j < n; j++ {
				out = append(out, abs(axes[0][j])+abs(axes[1][j])+abs(axes[2][j]))
			}
		} else {
			for _, axis := range axes {
				out = append(out, axis...)
			}
		}
	}

	if cfg.BatteryEnabled {
		out = append(out, int(binary.LittleEndian.Uint16(p)))
		p = p[bytesPerBattery:]
	}

	for i := 0; i < cfg.LeadOffFieldCount(); i++ {
		out = append(out, int(p[i]))
	}

	number := d.number
	d.number++
	if d.onData != nil {
		d.onData(out, number)
	}
}

func (d *FrameDecoder) notifyMessage(m Message) {
	if d.onMessage != nil {
		d.onMessage(m)
	}
}

// int24 decodes a signed 24-bit little-endian integer.
func int24(b []byte) int {
	v := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
