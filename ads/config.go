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
	"fmt"
	"time"
)

// DeviceType identifies the hardware variant by its number of channels.
type DeviceType int

const (
	DeviceUnknown DeviceType = 0
	Device2Ch     DeviceType = 2
	Device8Ch     DeviceType = 8
)

// ChannelCount returns the number of acquisition channels of the device.
func (t DeviceType) ChannelCount() int {
	return int(t)
}

func (t DeviceType) String() string {
	if t == DeviceUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%d channels", int(t))
}

// DeviceTypeOf returns the device type with the given number of channels.
func DeviceTypeOf(channels int) (DeviceType, error) {
	switch channels {
	case 2:
		return Device2Ch, nil
	case 8:
		return Device8Ch, nil
	}
	return DeviceUnknown, fmt.Errorf("%w: number of channels should be 2 or 8, got %d", ErrInvalidArgument, channels)
}

// SampleRate is the base sample rate of the device in Hz.
type SampleRate int

const (
	SampleRate500  SampleRate = 500
	SampleRate1000 SampleRate = 1000
	SampleRate2000 SampleRate = 2000
)

func (r SampleRate) code() (byte, error) {
	switch r {
	case SampleRate500:
		return 0, nil
	case SampleRate1000:
		return 1, nil
	case SampleRate2000:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidArgument, int(r))
}

// Divider reduces a channel's sample rate relative to the device sample rate.
type Divider int

const (
	D1  Divider = 1
	D2  Divider = 2
	D5  Divider = 5
	D10 Divider = 10

	// MaxDivider is the divider of the slowest channel. One device data frame
	// carries MaxDivider/divider samples of every channel.
	MaxDivider = D10
)

func (d Divider) valid() bool {
	return d == D1 || d == D2 || d == D5 || d == D10
}

// Gain is the programmable amplifier gain of a channel.
type Gain int

var gains = []Gain{1, 2, 3, 4, 6, 8, 12}

func (g Gain) code() (byte, error) {
	for i, v := range gains {
		if v == g {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported gain %d", ErrInvalidArgument, int(g))
}

// Commutator selects what a channel's input is connected to.
type Commutator int

const (
	CommutatorInput Commutator = iota
	CommutatorInputShort
	CommutatorTestSignal
)

func (c Commutator) String() string {
	switch c {
	case CommutatorInput:
		return "input"
	case CommutatorInputShort:
		return "input_short"
	case CommutatorTestSignal:
		return "test_signal"
	}
	return fmt.Sprintf("Commutator(%d)", int(c))
}

// ParseCommutator parses the textual form returned by Commutator.String.
func ParseCommutator(s string) (Commutator, error) {
	for _, c := range []Commutator{CommutatorInput, CommutatorInputShort, CommutatorTestSignal} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown commutator %q", ErrInvalidArgument, s)
}

// ChannelConfig is the configuration of a single acquisition channel.
type ChannelConfig struct {
	Name       string
	Enabled    bool
	Divider    Divider
	Gain       Gain
	Commutator Commutator
}

// Config is the complete acquisition configuration sent to the device.
// A Config is treated as a value: the controller works on its own copy.
type Config struct {
	DeviceType              DeviceType
	SampleRate              SampleRate
	Channels                []ChannelConfig
	AccelerometerEnabled    bool
	AccelerometerDivider    Divider
	AccelerometerOneChannel bool
	BatteryEnabled          bool
	LeadOffEnabled          bool
	RecordDuration          time.Duration
}

// DefaultConfig returns a configuration with every channel enabled at
// 500 Hz, the accelerometer at 50 Hz and 1 second data records.
func DefaultConfig(t DeviceType) Config {
	cfg := Config{
		DeviceType:           t,
		SampleRate:           SampleRate500,
		AccelerometerEnabled: true,
		AccelerometerDivider: D10,
		BatteryEnabled:       true,
		LeadOffEnabled:       true,
		RecordDuration:       time.Second,
	}
	for i := 0; i < t.ChannelCount(); i++ {
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			Name:       fmt.Sprintf("Channel %d", i+1),
			Enabled:    true,
			Divider:    D1,
			Gain:       8,
			Commutator: CommutatorInput,
		})
	}
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	c.Channels = append([]ChannelConfig(nil), c.Channels...)
	return c
}

// Normalize returns a copy with disabled channels switched to the shorted
// input and a default record duration filled in.
func (c Config) Normalize() Config {
	c = c.Clone()
	for i := range c.Channels {
		if !c.Channels[i].Enabled {
			c.Channels[i].Commutator = CommutatorInputShort
		}
	}
	if c.RecordDuration == 0 {
		c.RecordDuration = time.Second
	}
	return c
}

// Validate checks that the device can be started with the configuration.
func (c Config) Validate() error {
	if _, err := DeviceTypeOf(c.DeviceType.ChannelCount()); err != nil {
		return err
	}
	if len(c.Channels) != c.DeviceType.ChannelCount() {
		return fmt.Errorf("%w: %s device needs %d channel configurations, got %d",
			ErrInvalidArgument, c.DeviceType, c.DeviceType.ChannelCount(), len(c.Channels))
	}
	if _, err := c.SampleRate.code(); err != nil {
		return err
	}

	enabled := 0
	for i, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		enabled++
		if !ch.Divider.valid() {
			return fmt.Errorf("%w: channel %d has unsupported divider %d", ErrInvalidArgument, i, int(ch.Divider))
		}
		if _, err := ch.Gain.code(); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w: all channels are disabled", ErrInvalidArgument)
	}

	if c.AccelerometerEnabled && !c.AccelerometerDivider.valid() {
		return fmt.Errorf("%w: unsupported accelerometer divider %d", ErrInvalidArgument, int(c.AccelerometerDivider))
	}

	if c.RecordDuration <= 0 {
		return fmt.Errorf("%w: record duration must be positive", ErrInvalidArgument)
	}
	if c.framesPerRecordRemainder() != 0 || c.FramesPerRecord() < 1 {
		return fmt.Errorf("%w: record duration %s is not a whole number of device frames", ErrInvalidArgument, c.RecordDuration)
	}
	return nil
}

// EnabledChannels returns the indices of the enabled acquisition channels.
func (c Config) EnabledChannels() []int {
	var idx []int
	for i, ch := range c.Channels {
		if ch.Enabled {
			idx = append(idx, i)
		}
	}
	return idx
}

// ChannelSampleRate returns the sample rate of channel i in Hz.
func (c Config) ChannelSampleRate(i int) int {
	return int(c.SampleRate) / int(c.Channels[i].Divider)
}

// AccelerometerSampleRate returns the accelerometer sample rate in Hz.
func (c Config) AccelerometerSampleRate() int {
	return int(c.SampleRate) / int(c.AccelerometerDivider)
}

// AccelerometerChannels returns the number of accelerometer signals in a
// data record: 0 when disabled, 1 in one channel mode, 3 otherwise.
func (c Config) AccelerometerChannels() int {
	switch {
	case !c.AccelerometerEnabled:
		return 0
	case c.AccelerometerOneChannel:
		return 1
	}
	return 3
}

// FramesPerRecord returns how many device data frames make one data record.
func (c Config) FramesPerRecord() int {
	return int(int64(c.SampleRate) * c.RecordDuration.Milliseconds() / (int64(MaxDivider) * 1000))
}

func (c Config) framesPerRecordRemainder() int64 {
	return int64(c.SampleRate) * c.RecordDuration.Milliseconds() % (int64(MaxDivider) * 1000)
}

// SubframeCounts returns, for every signal carried in a device data frame
// (enabled channels, then accelerometer signals), the number of samples one
// frame holds.
func (c Config) SubframeCounts() []int {
	var counts []int
	for _, i := range c.EnabledChannels() {
		counts = append(counts, int(MaxDivider/c.Channels[i].Divider))
	}
	for i := 0; i < c.AccelerometerChannels(); i++ {
		counts = append(counts, int(MaxDivider/c.AccelerometerDivider))
	}
	return counts
}

// LeadOffFieldCount returns the number of lead-off integers in a frame.
func (c Config) LeadOffFieldCount() int {
	if !c.LeadOffEnabled {
		return 0
	}
	if c.DeviceType == Device8Ch {
		return 2
	}
	return 1
}

// StatusFieldCount returns the number of single-value fields (battery and
// lead-off) that follow the signal samples in a frame.
func (c Config) StatusFieldCount() int {
	n := c.LeadOffFieldCount()
	if c.BatteryEnabled {
		n++
	}
	return n
}

// FrameLength returns the number of integers in a decoded data frame.
func (c Config) FrameLength() int {
	n := c.StatusFieldCount()
	for _, cnt := range c.SubframeCounts() {
		n += cnt
	}
	return n
}

const (
	configCommandStart = 0xF0
	configCommandEnd   = 0xF1
)

// Command encodes the configuration command that starts acquisition.
func (c Config) Command() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rate, _ := c.SampleRate.code()

	cmd := []byte{configCommandStart, 0, byte(c.DeviceType.ChannelCount()), rate}
	for _, ch := range c.Channels {
		divider, gain, commutator := ch.Divider, ch.Gain, ch.Commutator
		if !ch.Enabled {
			// Disabled channels may carry zero values, the device still
			// expects valid register settings.
			divider, gain, commutator = MaxDivider, 1, CommutatorInputShort
		}
		gainCode, err := gain.code()
		if err != nil {
			return nil, err
		}
		cmd = append(cmd, boolByte(ch.Enabled), byte(divider), gainCode, byte(commutator))
	}

	accDivider := c.AccelerometerDivider
	if !c.AccelerometerEnabled {
		accDivider = MaxDivider
	}
	cmd = append(cmd,
		boolByte(c.AccelerometerEnabled),
		byte(accDivider),
		boolByte(c.AccelerometerOneChannel),
		boolByte(c.BatteryEnabled),
		boolByte(c.LeadOffEnabled),
		configCommandEnd,
	)
	cmd[1] = byte(len(cmd))
	return cmd, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
