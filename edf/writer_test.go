// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf_test

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/biorecorder/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFile(t *testing.T, name string) *os.File {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	return f
}

func twoSignalHeader(format edf.Format) edf.Header {
	return edf.Header{
		Format:             format,
		PatientID:          "Default patient",
		RecordingID:        "Default record",
		StartTime:          time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		DataRecordDuration: time.Second,
		Signals: []edf.Signal{
			{
				Label:             "first channel",
				PhysicalDimension: "uV",
				PhysicalMin:       -500,
				PhysicalMax:       500,
				DigitalMin:        -2048,
				DigitalMax:        2047,
				SamplesPerRecord:  50,
			},
			{
				Label:            "second channel",
				PhysicalMin:      100,
				PhysicalMax:      300,
				DigitalMin:       -32768,
				DigitalMax:       32767,
				SamplesPerRecord: 5,
			},
		},
	}
}

func TestWriter(t *testing.T) {
	f := createFile(t, "test.edf")
	path := f.Name()

	hdr := edf.Header{
		Format:             edf.FormatEDF,
		PatientID:          "Patient X",
		RecordingID:        "Recording 1",
		StartTime:          time.Now(),
		DataRecordDuration: 60 * time.Second,
		Signals: []edf.Signal{
			{
				Label:             "EEG Fpz-Cz",
				TransducerType:    "AgAgCl electrode",
				PhysicalDimension: "uV",
				PhysicalMin:       -500,
				PhysicalMax:       500,
				DigitalMin:        -2048,
				DigitalMax:        2047,
				SamplesPerRecord:  256,
			},
		},
	}

	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	// Write some data records
	record := make([]float64, 256)
	for i := range record {
		record[i] = float64(i) // physical value
	}

	// Write the first data record
	err = ew.WritePhysicalRecord(record)
	require.NoError(t, err)

	for i := range record {
		record[i] = float64(i + 256)
	}

	// Write the second data record
	err = ew.WritePhysicalSamples(record)
	require.NoError(t, err)

	// Close the writer (this rewrites the header and closes the file)
	require.NoError(t, ew.Close())

	r, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})

	er, err := edf.Open(r)
	require.NoError(t, err)
	assert.Equal(t, 2, er.Header().DataRecords)

	sr, err := er.Signal(0)
	require.NoError(t, err)

	samples := make([]float64, 512)
	n, err := sr.Read(samples)
	require.NoError(t, err)
	require.Equal(t, 512, n)

	// Verify the samples match what was written.
	for i := range samples {
		require.InDelta(t, float64(i), samples[i], 1.0)
	}

	// Reader should now return EOF
	_, err = sr.Read(samples)
	require.Equal(t, io.EOF, err)
}

func TestWriterTenRecords(t *testing.T) {
	f := createFile(t, "records.edf")
	path := f.Name()

	hdr := twoSignalHeader(edf.FormatEDF)
	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	var want []int
	for r := 0; r < 10; r++ {
		ch0 := make([]int, 50)
		for i := range ch0 {
			ch0[i] = r*100 + i*90 - 2500
		}
		ch1 := make([]int, 5)
		for i := range ch1 {
			ch1[i] = r*1000 + i
		}
		require.NoError(t, ew.WriteDigitalSamples(ch0))
		require.NoError(t, ew.WriteDigitalSamples(ch1))

		for _, v := range ch0 {
			want = append(want, max(-2048, min(2047, v)))
		}
		want = append(want, ch1...)
	}
	assert.Equal(t, 10, ew.RecordsWritten())
	require.NoError(t, ew.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	headerBytes := 256 + 2*256
	require.Len(t, data, headerBytes+10*55*2)
	assert.Equal(t, "10      ", string(data[236:244]))
	assert.Equal(t, "1       ", string(data[244:252]))
	assert.Equal(t, "2   ", string(data[252:256]))

	for i, v := range want {
		got := int16(binary.LittleEndian.Uint16(data[headerBytes+2*i:]))
		require.Equal(t, int16(v), got, "sample %d", i)
	}
}

func TestWriterClampsDigitalSamples(t *testing.T) {
	f := createFile(t, "clamp.bdf")
	path := f.Name()

	hdr := edf.Header{
		Format:             edf.FormatBDF,
		DataRecordDuration: time.Second,
		Signals: []edf.Signal{
			{Label: "ch", PhysicalMin: -1, PhysicalMax: 1, DigitalMin: -1000, DigitalMax: 1000, SamplesPerRecord: 4},
		},
	}
	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	require.NoError(t, ew.WriteDigitalRecord([]int{-5000, -1000, 999, 8388607}))
	require.NoError(t, ew.Close())

	r, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})

	er, err := edf.Open(r)
	require.NoError(t, err)
	assert.Equal(t, edf.FormatBDF, er.Header().Format)

	sr, err := er.Signal(0)
	require.NoError(t, err)

	got := make([]int, 4)
	n, err := sr.ReadDigital(got)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.Equal(t, []int{-1000, -1000, 999, 1000}, got)
}

func TestWriteDigitalRecordMatchesSamples(t *testing.T) {
	ch0 := make([]int, 50)
	for i := range ch0 {
		ch0[i] = i*100 - 2600
	}
	ch1 := []int{-40000, -1, 0, 1, 40000}
	record := append(append([]int(nil), ch0...), ch1...)

	write := func(name string, fn func(ew *edf.Writer) error) []byte {
		f := createFile(t, name)
		path := f.Name()

		ew, err := edf.Create(f, twoSignalHeader(edf.FormatBDF))
		require.NoError(t, err)
		require.NoError(t, fn(ew))
		require.NoError(t, ew.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	bySamples := write("samples.bdf", func(ew *edf.Writer) error {
		if err := ew.WriteDigitalSamples(ch0); err != nil {
			return err
		}
		return ew.WriteDigitalSamples(ch1)
	})
	byRecord := write("record.bdf", func(ew *edf.Writer) error {
		return ew.WriteDigitalRecord(record)
	})

	assert.Equal(t, bySamples, byRecord)
	// The caller's slice is left untouched.
	assert.Equal(t, -40000, record[50])
}

func TestWriterErrors(t *testing.T) {
	t.Run("closed", func(t *testing.T) {
		ew, err := edf.Create(createFile(t, "closed.edf"), twoSignalHeader(edf.FormatEDF))
		require.NoError(t, err)
		require.NoError(t, ew.Close())
		require.NoError(t, ew.Close())

		assert.ErrorIs(t, ew.WriteDigitalSamples(make([]int, 50)), edf.ErrClosed)
		assert.ErrorIs(t, ew.WriteDigitalRecord(make([]int, 55)), edf.ErrClosed)
	})

	t.Run("no signals", func(t *testing.T) {
		f := createFile(t, "empty.edf")
		t.Cleanup(func() { _ = f.Close() })

		ew, err := edf.Create(f, edf.Header{DataRecordDuration: time.Second})
		require.NoError(t, err)

		assert.ErrorIs(t, ew.WriteDigitalSamples([]int{1}), edf.ErrNoSignals)
		assert.ErrorIs(t, ew.WriteDigitalRecord([]int{1}), edf.ErrNoSignals)
		assert.ErrorIs(t, ew.WritePhysicalSamples([]float64{1}), edf.ErrNoSignals)
	})

	t.Run("short record", func(t *testing.T) {
		f := createFile(t, "short.edf")
		t.Cleanup(func() { _ = f.Close() })

		ew, err := edf.Create(f, twoSignalHeader(edf.FormatEDF))
		require.NoError(t, err)
		assert.Error(t, ew.WriteDigitalRecord(make([]int, 10)))
	})
}

func TestWriterRecordDurationStats(t *testing.T) {
	f := createFile(t, "stats.bdf")

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		now := t0.Add(time.Duration(calls) * time.Second)
		calls++
		return now
	}

	hdr := twoSignalHeader(edf.FormatBDF)
	hdr.StartTime = time.Time{}

	ew, err := edf.Create(f, hdr, edf.WithRecordDurationStats(), edf.WithClock(clock))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, ew.WriteDigitalRecord(make([]int, 55)))
	}
	require.NoError(t, ew.Close())

	got := ew.Header()
	assert.Equal(t, 10, got.DataRecords)
	assert.Equal(t, 900*time.Millisecond, got.DataRecordDuration)
	assert.Equal(t, t0.Add(-900*time.Millisecond), got.StartTime)
	assert.Equal(t, t0, ew.FirstRecordTime())
	assert.Equal(t, t0.Add(9*time.Second), ew.LastRecordTime())
	assert.Contains(t, ew.WritingInfo(), "Number of data records = 10")
}

type failingFile struct {
	closed bool
}

func (f *failingFile) Write(p []byte) (int, error)                { return 0, errors.New("disk full") }
func (f *failingFile) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (f *failingFile) Close() error {
	f.closed = true
	return nil
}

func TestWriterCloseAlwaysClosesFile(t *testing.T) {
	ff := &failingFile{}

	ew, err := edf.Create(ff, twoSignalHeader(edf.FormatEDF))
	require.NoError(t, err)

	require.Error(t, ew.WriteDigitalRecord(make([]int, 55)))

	err = ew.Close()
	require.Error(t, err)
	assert.True(t, ff.closed)
	assert.True(t, ew.Closed())

	// Second close is a no-op.
	require.NoError(t, ew.Close())
}

func TestSignalConversion(t *testing.T) {
	s := edf.Signal{PhysicalMin: -500, PhysicalMax: 500, DigitalMin: -2048, DigitalMax: 2047}

	assert.Equal(t, -2048, s.PhysicalToDigital(-500))
	assert.Equal(t, 2047, s.PhysicalToDigital(500))
	assert.Equal(t, 2047, s.PhysicalToDigital(10000))
	assert.Equal(t, -2048, s.PhysicalToDigital(-10000))
	assert.InDelta(t, 0.0, s.DigitalToPhysical(s.PhysicalToDigital(0)), 0.25)
}
