// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/OpenPSG/biorecorder/edf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// User-facing notifications.
const (
	MsgLowBattery  = "The battery is low. Recording was stopped."
	MsgStartFailed = "Start failed! Check whether the recorder is on and the selected port is correct and try again."
	MsgWrongDevice = "Start cancelled. Specified recorder type is invalid: %s. Connected: %s"
	MsgWriteFailed = "Failed to write data record %d to the file %s: %v"
)

const (
	stateDisconnected = "Disconnected"
	stateConnected    = "Connected"
	stateStarting     = "Starting..."
	stateRecording    = "Recording... %d data records"
	stateSaved        = "Saved to file: %s"
)

// createFile opens the output file. Tests replace it.
var createFile = func(path string) (io.WriteSeeker, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

// ErrAlreadyRecording is returned when starting a session that is recording.
var ErrAlreadyRecording = fmt.Errorf("%w: recorder is already recording, stop it first", ads.ErrInvalidState)

// Device is the acquisition device driven by a session.
type Device interface {
	StartMonitoring() error
	StartRecording(cfg ads.Config) (<-chan error, error)
	Stop() error
	Disconnect() error
	SetDataListener(l ads.DataListener)
	SetMessageListener(l ads.MessageListener)
	IsRecording() bool
	IsActive() bool
	DeviceType() ads.DeviceType
}

// Options describes the file a recording is written to.
type Options struct {
	Path        string
	PatientID   string
	RecordingID string
	// MainsFilter enables the 50 Hz filter per hardware channel.
	MainsFilter []bool
	// RecordDurationStats stores the measured data record duration.
	RecordDurationStats bool
	// WriterOptions are passed to the file writer.
	WriterOptions []edf.WriterOption
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session records data from a device into a BDF file.
type Session struct {
	device Device
	logger zerolog.Logger

	mu      sync.Mutex
	current *recording
	path    string // Path of the last started recording.

	// fileMu orders output file creation against removal of the file of a
	// start that was cancelled.
	fileMu sync.Mutex

	written atomic.Int64

	statusMu sync.Mutex
	leadOff  []bool
	battery  float64
	hasBatt  bool

	listenerMu sync.RWMutex
	notify     func(msg string)
	onMessage  ads.MessageListener
}

// recording is the state of one output file. Its writer is only used from
// the data path and from close.
type recording struct {
	cfg     ads.Config
	path    string
	writer  *edf.Writer
	joiner  *Joiner
	filters map[int]Filter // By signal index.
	offsets []int          // First record index of every signal.
	counts  []int          // Record samples of every signal.

	mu     sync.Mutex
	closed bool
	failed bool
}

// NewSession creates a session for the device and takes over its message
// listener.
func NewSession(device Device, opts ...SessionOption) *Session {
	s := &Session{
		device: device,
		logger: log.Logger.With().Str("component", "recorder").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	device.SetMessageListener(s.handleMessage)
	return s
}

// SetNotificationListener sets the receiver of user-facing messages, nil
// removes it. It may be called from any goroutine.
func (s *Session) SetNotificationListener(l func(msg string)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.notify = l
}

// SetMessageListener sets a receiver for the device messages, nil removes it.
func (s *Session) SetMessageListener(l ads.MessageListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onMessage = l
}

// Start creates the output file and starts the device. Errors creating the
// file or rejected by the device are returned. A start that fails later
// removes the file, returns the device to monitoring and is reported through
// the notification listener.
func (s *Session) Start(cfg ads.Config, opts Options) error {
	if s.device.IsRecording() {
		return ErrAlreadyRecording
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	channelFilters := make(map[int]Filter)
	for _, i := range cfg.EnabledChannels() {
		if i < len(opts.MainsFilter) && opts.MainsFilter[i] {
			if f := MainsFilter(cfg.ChannelSampleRate(i)); f != nil {
				channelFilters[i] = f
			}
		}
	}

	s.fileMu.Lock()
	rec, err := s.createRecording(cfg, opts, channelFilters)
	if err == nil {
		s.mu.Lock()
		s.current = rec
		s.path = opts.Path
		s.written.Store(0)
		s.device.SetDataListener(func(frame []int, number int) {
			if err := rec.joiner.Add(frame); errors.Is(err, ErrFrameSize) {
				s.logger.Warn().Err(err).Int("frame", number).Msg("Dropping data frame")
			}
		})
		s.mu.Unlock()
	}
	s.fileMu.Unlock()
	if err != nil {
		return err
	}

	result, err := s.device.StartRecording(cfg)
	if err != nil {
		s.detach(rec)
		_ = rec.close()
		_ = os.Remove(opts.Path)
		return err
	}

	s.logger.Info().Str("path", opts.Path).Msg("Starting recording")
	go s.awaitStart(rec, result)
	return nil
}

// createRecording creates the output file and its writer.
func (s *Session) createRecording(cfg ads.Config, opts Options, channelFilters map[int]Filter) (*recording, error) {
	hdr := Header(cfg, opts.PatientID, opts.RecordingID, channelFilters)

	f, err := createFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("file %s could not be created or accessed: %w", opts.Path, err)
	}

	writerOpts := append([]edf.WriterOption(nil), opts.WriterOptions...)
	if opts.RecordDurationStats {
		writerOpts = append(writerOpts, edf.WithRecordDurationStats())
	}
	w, err := edf.Create(f, hdr, writerOpts...)
	if err != nil {
		if c, ok := f.(io.Closer); ok {
			_ = c.Close()
		}
		_ = os.Remove(opts.Path)
		return nil, fmt.Errorf("error creating writer: %w", err)
	}

	rec := &recording{
		cfg:     cfg,
		path:    opts.Path,
		writer:  w,
		filters: make(map[int]Filter),
	}
	offset := 0
	for _, signal := range hdr.Signals {
		rec.offsets = append(rec.offsets, offset)
		rec.counts = append(rec.counts, signal.SamplesPerRecord)
		offset += signal.SamplesPerRecord
	}
	for sig, i := range cfg.EnabledChannels() {
		if f := channelFilters[i]; f != nil {
			rec.filters[sig] = f
		}
	}
	rec.joiner, err = NewJoinerFor(cfg, func(record []int) error {
		return s.writeRecord(rec, record)
	})
	if err != nil {
		_ = w.Close()
		_ = os.Remove(opts.Path)
		return nil, err
	}
	return rec, nil
}

func (s *Session) awaitStart(rec *recording, result <-chan error) {
	err, ok := <-result
	if ok && err == nil {
		s.logger.Info().Str("path", rec.path).Msg("Recording started")
		return
	}
	if err == nil {
		err = ads.ErrStartCancelled
	}

	s.logger.Warn().Err(err).Str("path", rec.path).Msg("Cancelling start")
	if !s.cancelStart(rec) {
		return
	}

	switch {
	case errors.Is(err, ads.ErrStartCancelled):
	case errors.Is(err, ads.ErrDeviceTypeMismatch):
		s.sendNotification(fmt.Sprintf(MsgWrongDevice, rec.cfg.DeviceType, s.device.DeviceType()))
	default:
		s.sendNotification(MsgStartFailed)
	}
}

// cancelStart discards the file of a recording that never started. It
// returns false when the recording was already stopped, in which case the
// session state belongs to Stop or to a newer recording and only the file is
// removed, unless a newer recording writes to the same path.
func (s *Session) cancelStart(rec *recording) bool {
	current := s.detach(rec)
	if current {
		s.setLeadOff(nil)
	}

	if err := rec.close(); err != nil {
		s.logger.Error().Err(err).Str("path", rec.path).Msg("Failed to close file")
	}

	s.fileMu.Lock()
	if current || !s.writesTo(rec.path) {
		if err := os.Remove(rec.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error().Err(err).Str("path", rec.path).Msg("Failed to remove file")
		}
	}
	s.fileMu.Unlock()

	if !current {
		return false
	}
	s.written.Store(0)

	if err := s.device.StartMonitoring(); err != nil {
		s.logger.Debug().Err(err).Msg("Monitoring not resumed")
	}
	return true
}

// writesTo reports whether the current recording writes to path.
func (s *Session) writesTo(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.path == path
}

// writeRecord runs on the goroutine delivering device bytes.
func (s *Session) writeRecord(rec *recording, record []int) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.closed || rec.failed {
		return nil
	}

	for sig, f := range rec.filters {
		samples := record[rec.offsets[sig] : rec.offsets[sig]+rec.counts[sig]]
		for i, v := range samples {
			samples[i] = f.Apply(v)
		}
	}

	s.updateStatus(rec.cfg, record[len(record)-rec.cfg.StatusFieldCount():])

	if err := rec.writer.WriteDigitalRecord(record); err != nil {
		rec.failed = true
		msg := fmt.Sprintf(MsgWriteFailed, s.written.Load()+1, rec.path, err)
		s.logger.Error().Err(err).Str("path", rec.path).Int64("record", s.written.Load()+1).Msg("Failed to write data record")

		// Stopping waits for the device worker, which must not happen on the
		// byte delivery goroutine.
		go func() {
			if err := s.stopRecording(rec); err != nil {
				s.logger.Error().Err(err).Msg("Failed to stop after write failure")
			}
			if err := s.device.StartMonitoring(); err != nil {
				s.logger.Debug().Err(err).Msg("Monitoring not resumed")
			}
			s.sendNotification(msg)
		}()
		return err
	}

	s.written.Inc()
	return nil
}

func (s *Session) updateStatus(cfg ads.Config, status []int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if cfg.BatteryEnabled {
		if p, err := ads.BatteryPercentage(status[0]); err == nil {
			s.battery, s.hasBatt = p, true
		}
		status = status[1:]
	}
	if cfg.LeadOffEnabled {
		mask, err := ads.LeadOffIntToBitmask(ads.LeadOffInt(status), cfg.DeviceType.ChannelCount())
		if err == nil {
			s.leadOff = mask
		}
	}
}

func (s *Session) setLeadOff(mask []bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.leadOff = mask
}

// Stop stops the device, finalizes the file and resumes monitoring.
func (s *Session) Stop() error {
	s.mu.Lock()
	rec := s.current
	s.mu.Unlock()

	err := s.stopRecording(rec)
	if monErr := s.device.StartMonitoring(); monErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to resume monitoring: %w", monErr))
	}
	return err
}

// Disconnect stops recording and releases the device.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	rec := s.current
	s.mu.Unlock()

	err := s.stopRecording(rec)
	if discErr := s.device.Disconnect(); discErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to disconnect: %w", discErr))
	}
	s.setLeadOff(nil)
	return err
}

func (s *Session) stopRecording(rec *recording) error {
	defer s.setLeadOff(nil)

	var err error
	if stopErr := s.device.Stop(); stopErr != nil {
		s.logger.Error().Err(stopErr).Msg("Failed to stop recorder")
		err = fmt.Errorf("failed to stop recorder: %w", stopErr)
	}

	if rec != nil {
		s.detach(rec)
		if closeErr := rec.close(); closeErr != nil {
			s.logger.Error().Err(closeErr).Str("path", rec.path).Msg("Failed to close file")
			err = errors.Join(err, fmt.Errorf("file %s was not correctly saved: %w", rec.path, closeErr))
		} else {
			s.logger.Info().Str("path", rec.path).Int64("records", s.written.Load()).Msg("Recording saved")
		}
	}
	return err
}

// detach releases the device data listener if rec is the current recording
// and reports whether it was.
func (s *Session) detach(rec *recording) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != rec {
		return false
	}
	s.current = nil
	s.device.SetDataListener(nil)
	return true
}

func (r *recording) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.writer.Close()
}

func (s *Session) handleMessage(m ads.Message) {
	if m.Type == ads.MessageLowBattery && s.device.IsRecording() {
		go func() {
			if err := s.Stop(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to stop on low battery")
			}
			s.sendNotification(MsgLowBattery)
		}()
	}

	s.listenerMu.RLock()
	l := s.onMessage
	s.listenerMu.RUnlock()
	if l != nil {
		l(m)
	}
}

func (s *Session) sendNotification(msg string) {
	s.listenerMu.RLock()
	l := s.notify
	s.listenerMu.RUnlock()
	if l != nil {
		l(msg)
	}
}

// RecordsWritten returns the number of data records written to the current
// or last file.
func (s *Session) RecordsWritten() int64 {
	return s.written.Load()
}

// Path returns the path of the current or last file.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// IsRecording reports whether the device is recording.
func (s *Session) IsRecording() bool {
	return s.device.IsRecording()
}

// LeadOffMask returns the electrode contact mask of the last record, or nil
// when lead-off detection is disabled or the device is not recording.
func (s *Session) LeadOffMask() []bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.leadOff == nil {
		return nil
	}
	return append([]bool(nil), s.leadOff...)
}

// BatteryPercentage returns the last battery charge reported by the device.
func (s *Session) BatteryPercentage() (float64, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.battery, s.hasBatt
}

// StateReport describes the session state for display.
func (s *Session) StateReport() string {
	state := stateDisconnected
	if s.device.IsActive() {
		state = stateConnected
	}

	written := s.written.Load()
	if s.device.IsRecording() {
		if written == 0 {
			return stateStarting
		}
		return fmt.Sprintf(stateRecording, written)
	}
	if written > 0 {
		return fmt.Sprintf(stateSaved, s.Path())
	}
	return state
}
