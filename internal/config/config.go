// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package config loads and saves the recorder application settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDeviceType = 8
	DefaultLogLevel   = "info"
	DefaultFileName   = "recording.bdf"
)

// Config holds all recorder settings.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Device   Device `yaml:"device"`
	Output   Output `yaml:"output"`
}

// Device holds the acquisition settings.
type Device struct {
	Type           int           `yaml:"type"` // Number of channels, 2 or 8.
	SampleRate     int           `yaml:"sample_rate"`
	Channels       []Channel     `yaml:"channels"`
	Accelerometer  Accelerometer `yaml:"accelerometer"`
	Battery        bool          `yaml:"battery"`
	LeadOff        bool          `yaml:"lead_off"`
	RecordDuration time.Duration `yaml:"record_duration"`
}

// Channel holds the settings of one acquisition channel.
type Channel struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	Divider     int    `yaml:"divider"`
	Gain        int    `yaml:"gain"`
	Commutator  string `yaml:"commutator"`
	MainsFilter bool   `yaml:"mains_filter"`
}

// Accelerometer holds the accelerometer settings.
type Accelerometer struct {
	Enabled    bool `yaml:"enabled"`
	Divider    int  `yaml:"divider"`
	OneChannel bool `yaml:"one_channel"`
}

// Output describes where and how recordings are saved.
type Output struct {
	Directory           string `yaml:"directory"`
	FileName            string `yaml:"file_name"`
	PatientID           string `yaml:"patient_id"`
	RecordingID         string `yaml:"recording_id"`
	RecordDurationStats bool   `yaml:"record_duration_stats"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	cfg := Config{
		LogLevel: DefaultLogLevel,
		Output: Output{
			Directory: ".",
			FileName:  DefaultFileName,
		},
	}
	cfg.Device = deviceDefaults(DefaultDeviceType)
	return cfg
}

func deviceDefaults(channels int) Device {
	d := ads.DefaultConfig(ads.DeviceType(channels))
	dev := Device{
		Type:       channels,
		SampleRate: int(d.SampleRate),
		Accelerometer: Accelerometer{
			Enabled: d.AccelerometerEnabled,
			Divider: int(d.AccelerometerDivider),
		},
		Battery:        d.BatteryEnabled,
		LeadOff:        d.LeadOffEnabled,
		RecordDuration: d.RecordDuration,
	}
	for _, ch := range d.Channels {
		dev.Channels = append(dev.Channels, channelOf(ch))
	}
	return dev
}

func channelOf(ch ads.ChannelConfig) Channel {
	return Channel{
		Name:       ch.Name,
		Enabled:    ch.Enabled,
		Divider:    int(ch.Divider),
		Gain:       int(ch.Gain),
		Commutator: ch.Commutator.String(),
	}
}

// Load reads the config file at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Defaults(), fmt.Errorf("error parsing config %s: %w", path, err)
	}
	cfg.fill()
	return cfg, nil
}

// fill completes channel settings the file left out.
func (c *Config) fill() {
	defaults := deviceDefaults(c.Device.Type)
	if len(c.Device.Channels) > len(defaults.Channels) {
		c.Device.Channels = c.Device.Channels[:len(defaults.Channels)]
	}
	for i := len(c.Device.Channels); i < len(defaults.Channels); i++ {
		c.Device.Channels = append(c.Device.Channels, defaults.Channels[i])
	}
	for i := range c.Device.Channels {
		ch := &c.Device.Channels[i]
		if ch.Divider == 0 {
			ch.Divider = int(ads.D1)
		}
		if ch.Gain == 0 {
			ch.Gain = 8
		}
		if ch.Commutator == "" {
			ch.Commutator = ads.CommutatorInput.String()
		}
	}
	if c.Device.Accelerometer.Divider == 0 {
		c.Device.Accelerometer.Divider = int(ads.MaxDivider)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Save writes the config to path, creating its directory.
func Save(cfg Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DeviceConfig converts the device settings and validates them.
func (c Config) DeviceConfig() (ads.Config, error) {
	deviceType, err := ads.DeviceTypeOf(c.Device.Type)
	if err != nil {
		return ads.Config{}, err
	}

	cfg := ads.Config{
		DeviceType:              deviceType,
		SampleRate:              ads.SampleRate(c.Device.SampleRate),
		AccelerometerEnabled:    c.Device.Accelerometer.Enabled,
		AccelerometerDivider:    ads.Divider(c.Device.Accelerometer.Divider),
		AccelerometerOneChannel: c.Device.Accelerometer.OneChannel,
		BatteryEnabled:          c.Device.Battery,
		LeadOffEnabled:          c.Device.LeadOff,
		RecordDuration:          c.Device.RecordDuration,
	}
	for i, ch := range c.Device.Channels {
		commutator, err := ads.ParseCommutator(ch.Commutator)
		if err != nil {
			return ads.Config{}, fmt.Errorf("channel %d: %w", i, err)
		}
		cfg.Channels = append(cfg.Channels, ads.ChannelConfig{
			Name:       ch.Name,
			Enabled:    ch.Enabled,
			Divider:    ads.Divider(ch.Divider),
			Gain:       ads.Gain(ch.Gain),
			Commutator: commutator,
		})
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return ads.Config{}, err
	}
	return cfg, nil
}

// MainsFilter returns the 50 Hz filter flag of every channel.
func (c Config) MainsFilter() []bool {
	flags := make([]bool, len(c.Device.Channels))
	for i, ch := range c.Device.Channels {
		flags[i] = ch.MainsFilter
	}
	return flags
}

// fileTimeLayout is the start time prefix of output file names.
const fileTimeLayout = "02-01-2006_15-04"

// OutputPath returns the path of a recording started at now. The configured
// file name is prefixed with the start time and gets the .bdf extension. A
// numeric suffix is added while the path names an existing file.
func (c Config) OutputPath(now time.Time) string {
	name := now.Format(fileTimeLayout)
	if fileName := strings.TrimSpace(c.Output.FileName); fileName != "" {
		name += "_" + fileName
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if !strings.EqualFold(ext, ".bdf") {
		ext = ".bdf"
	}

	path := filepath.Join(c.Output.Directory, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); err != nil {
			return path
		}
		path = filepath.Join(c.Output.Directory, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
}

// Level parses the log level, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}
