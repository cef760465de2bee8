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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/OpenPSG/biorecorder/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu         sync.Mutex
	deviceType ads.DeviceType
	recording  bool
	startErr   error
	result     chan error
	started    ads.Config
	stops      int
	monitors   int
	data       ads.DataListener
	message    ads.MessageListener
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{deviceType: ads.Device2Ch}
}

func (d *fakeDevice) StartMonitoring() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitors++
	return nil
}

func (d *fakeDevice) StartRecording(cfg ads.Config) (<-chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.recording = true
	d.started = cfg
	d.result = make(chan error, 1)
	return d.result, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	d.stops++
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	return nil
}

func (d *fakeDevice) SetDataListener(l ads.DataListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = l
}

func (d *fakeDevice) SetMessageListener(l ads.MessageListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.message = l
}

func (d *fakeDevice) IsRecording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

func (d *fakeDevice) IsActive() bool {
	return true
}

func (d *fakeDevice) DeviceType() ads.DeviceType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

// finishStart completes the pending start with err.
func (d *fakeDevice) finishStart(err error) {
	d.mu.Lock()
	result := d.result
	d.mu.Unlock()
	result <- err
	close(result)
}

func (d *fakeDevice) push(frame []int, number int) {
	d.mu.Lock()
	l := d.data
	d.mu.Unlock()
	if l != nil {
		l(frame, number)
	}
}

func (d *fakeDevice) send(m ads.Message) {
	d.mu.Lock()
	l := d.message
	d.mu.Unlock()
	if l != nil {
		l(m)
	}
}

func (d *fakeDevice) listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data != nil
}

func (d *fakeDevice) pendingStart() chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

func (d *fakeDevice) counts() (stops, monitors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops, d.monitors
}

// sessionConfig is a 2 channel configuration where channel 0 runs at 500 Hz,
// channel 1 at 50 Hz and frames carry battery and lead-off status.
func sessionConfig() ads.Config {
	cfg := ads.DefaultConfig(ads.Device2Ch)
	cfg.Channels[1].Divider = ads.D10
	cfg.AccelerometerEnabled = false
	return cfg
}

// sessionFrame builds frame f of sessionConfig: channel 0 carries the running
// sample index, channel 1 the frame number.
func sessionFrame(f int) []int {
	frame := make([]int, 0, 13)
	for j := 0; j < 10; j++ {
		frame = append(frame, f*10+j)
	}
	return append(frame, -f, 5120, 0b0101)
}

func newTestSession(t *testing.T) (*Session, *fakeDevice, chan string) {
	d := newFakeDevice()
	s := NewSession(d)

	notes := make(chan string, 8)
	s.SetNotificationListener(func(msg string) {
		notes <- msg
	})
	return s, d, notes
}

func awaitNotification(t *testing.T, notes <-chan string) string {
	t.Helper()
	select {
	case msg := <-notes:
		return msg
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no notification received")
	}
	return ""
}

func TestSessionRecording(t *testing.T) {
	s, d, _ := newTestSession(t)
	path := filepath.Join(t.TempDir(), "recording.bdf")

	cfg := sessionConfig()
	require.Equal(t, 13, cfg.FrameLength())
	require.Equal(t, 50, cfg.FramesPerRecord())

	require.NoError(t, s.Start(cfg, Options{Path: path, PatientID: "patient"}))
	assert.Equal(t, "Starting...", s.StateReport())
	assert.Equal(t, path, s.Path())
	d.finishStart(nil)

	for f := 0; f < 100; f++ {
		d.push(sessionFrame(f), f)
	}

	assert.Equal(t, int64(2), s.RecordsWritten())
	assert.Equal(t, "Recording... 2 data records", s.StateReport())

	battery, ok := s.BatteryPercentage()
	require.True(t, ok)
	assert.Equal(t, 50.0, battery)
	assert.Equal(t, []bool{true, false, true, false}, s.LeadOffMask())

	require.NoError(t, s.Stop())
	assert.Nil(t, s.LeadOffMask())
	assert.Equal(t, "Saved to file: "+path, s.StateReport())
	assert.False(t, d.listening())

	stops, monitors := d.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, monitors)

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})

	r, err := edf.Open(f)
	require.NoError(t, err)

	hdr := r.Header()
	assert.Equal(t, edf.FormatBDF, hdr.Format)
	assert.Equal(t, 2, hdr.DataRecords)
	require.Len(t, hdr.Signals, 4)

	read := func(signal, n int) []int {
		sr, err := r.Signal(signal)
		require.NoError(t, err)
		data := make([]int, n)
		got, err := sr.ReadDigital(data)
		require.NoError(t, err)
		require.Equal(t, n, got)
		return data
	}

	for i, v := range read(0, 1000) {
		require.Equal(t, i, v)
	}
	for i, v := range read(1, 100) {
		require.Equal(t, -i, v)
	}
	assert.Equal(t, []int{5120, 5120}, read(2, 2))
	assert.Equal(t, []int{0b0101, 0b0101}, read(3, 2))
}

func TestSessionMainsFilter(t *testing.T) {
	s, d, _ := newTestSession(t)
	path := filepath.Join(t.TempDir(), "filtered.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{
		Path:        path,
		MainsFilter: []bool{true, true},
	}))
	d.finishStart(nil)

	for f := 0; f < 50; f++ {
		frame := sessionFrame(f)
		for j := 0; j < 10; j++ {
			// 50 Hz square wave around 7 at 500 Hz.
			frame[j] = 7 + 1000
			if j >= 5 {
				frame[j] = 7 - 1000
			}
		}
		d.push(frame, f)
	}
	require.NoError(t, s.Stop())

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})
	r, err := edf.Open(f)
	require.NoError(t, err)

	hdr := r.Header()
	assert.Equal(t, "MovAvg:10", hdr.Signals[0].Prefiltering)
	// Channel 1 runs at 50 Hz where the mains filter is not applicable.
	assert.Empty(t, hdr.Signals[1].Prefiltering)

	sr, err := r.Signal(0)
	require.NoError(t, err)
	data := make([]int, 500)
	_, err = sr.ReadDigital(data)
	require.NoError(t, err)
	for _, v := range data[10:] {
		require.Equal(t, 7, v)
	}
}

func TestSessionStartFailure(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "failed.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.finishStart(ads.ErrStartTimeout)

	assert.Equal(t, MsgStartFailed, awaitNotification(t, notes))

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, monitors := d.counts()
	assert.Equal(t, 1, monitors)
	assert.Equal(t, int64(0), s.RecordsWritten())
}

func TestSessionWrongDevice(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "wrong.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.mu.Lock()
	d.deviceType = ads.Device8Ch
	d.mu.Unlock()
	d.finishStart(fmt.Errorf("%w: expected 2 channels, got 8 channels", ads.ErrDeviceTypeMismatch))

	assert.Equal(t, fmt.Sprintf(MsgWrongDevice, ads.Device2Ch, ads.Device8Ch), awaitNotification(t, notes))

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSessionStartCancelled(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "cancelled.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.finishStart(ads.ErrStartCancelled)

	assert.Eventually(t, func() bool {
		_, monitors := d.counts()
		return monitors == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, notes)
}

func TestSessionStopBeforeStartCompletes(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "stopped.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	require.NoError(t, s.Stop())
	assert.False(t, d.listening())

	d.finishStart(ads.ErrStartCancelled)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	_, monitors := d.counts()
	assert.Equal(t, 1, monitors)
	assert.Empty(t, notes)
}

func TestSessionRestartBeforeCancelledStartIsHandled(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "restart.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	first := d.pendingStart()
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.finishStart(nil)
	for f := 0; f < 100; f++ {
		d.push(sessionFrame(f), f)
	}
	require.Equal(t, int64(2), s.RecordsWritten())

	// The first start resolves only now.
	first <- ads.ErrStartCancelled
	close(first)

	assert.Never(t, func() bool {
		_, err := os.Stat(path)
		return err != nil || s.RecordsWritten() != 2 || !d.listening()
	}, 300*time.Millisecond, 10*time.Millisecond)

	assert.True(t, s.IsRecording())
	assert.Equal(t, "Recording... 2 data records", s.StateReport())
	_, monitors := d.counts()
	assert.Equal(t, 1, monitors)
	assert.Empty(t, notes)

	require.NoError(t, s.Stop())

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})
	r, err := edf.Open(f)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Header().DataRecords)
}

type failingFile struct{}

var errDiskFull = errors.New("disk full")

func (failingFile) Write([]byte) (int, error) {
	return 0, errDiskFull
}

func (failingFile) Seek(int64, int) (int64, error) {
	return 0, nil
}

func TestSessionWriteFailure(t *testing.T) {
	orig := createFile
	createFile = func(string) (io.WriteSeeker, error) {
		return failingFile{}, nil
	}
	t.Cleanup(func() {
		createFile = orig
	})

	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "full.bdf")

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.finishStart(nil)

	for f := 0; f < 100; f++ {
		d.push(sessionFrame(f), f)
	}

	msg := awaitNotification(t, notes)
	assert.Contains(t, msg, "Failed to write data record 1 to the file "+path)
	assert.Contains(t, msg, errDiskFull.Error())

	stops, monitors := d.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, monitors)
	assert.Equal(t, int64(0), s.RecordsWritten())
	assert.False(t, s.IsRecording())
}

func TestSessionLowBattery(t *testing.T) {
	s, d, notes := newTestSession(t)
	path := filepath.Join(t.TempDir(), "battery.bdf")

	var forwarded []ads.MessageType
	var mu sync.Mutex
	s.SetMessageListener(func(m ads.Message) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, m.Type)
	})

	require.NoError(t, s.Start(sessionConfig(), Options{Path: path}))
	d.finishStart(nil)
	for f := 0; f < 50; f++ {
		d.push(sessionFrame(f), f)
	}

	d.send(ads.Message{Type: ads.MessageLowBattery})
	assert.Equal(t, MsgLowBattery, awaitNotification(t, notes))

	stops, monitors := d.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, monitors)

	mu.Lock()
	assert.Equal(t, []ads.MessageType{ads.MessageLowBattery}, forwarded)
	mu.Unlock()

	_, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), s.RecordsWritten())
}

func TestSessionLowBatteryWhileIdle(t *testing.T) {
	s, d, notes := newTestSession(t)

	d.send(ads.Message{Type: ads.MessageLowBattery})

	stops, _ := d.counts()
	assert.Zero(t, stops)
	assert.Empty(t, notes)
	assert.Equal(t, "Connected", s.StateReport())
}

func TestSessionStartErrors(t *testing.T) {
	t.Run("already recording", func(t *testing.T) {
		s, d, _ := newTestSession(t)
		d.recording = true

		err := s.Start(sessionConfig(), Options{Path: filepath.Join(t.TempDir(), "x.bdf")})
		require.ErrorIs(t, err, ErrAlreadyRecording)
		require.ErrorIs(t, err, ads.ErrInvalidState)
	})

	t.Run("invalid config", func(t *testing.T) {
		s, _, _ := newTestSession(t)
		path := filepath.Join(t.TempDir(), "x.bdf")

		cfg := sessionConfig()
		for i := range cfg.Channels {
			cfg.Channels[i].Enabled = false
		}
		require.ErrorIs(t, s.Start(cfg, Options{Path: path}), ads.ErrInvalidArgument)

		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("missing directory", func(t *testing.T) {
		s, _, _ := newTestSession(t)
		path := filepath.Join(t.TempDir(), "missing", "x.bdf")

		require.Error(t, s.Start(sessionConfig(), Options{Path: path}))
	})

	t.Run("device rejects start", func(t *testing.T) {
		s, d, _ := newTestSession(t)
		d.startErr = ads.ErrInvalidState
		path := filepath.Join(t.TempDir(), "x.bdf")

		require.ErrorIs(t, s.Start(sessionConfig(), Options{Path: path}), ads.ErrInvalidState)

		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}
