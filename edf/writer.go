// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WriterOption configures optional Writer behaviour.
type WriterOption func(*Writer)

// WithRecordDurationStats makes the writer replace the declared data record
// duration with the measured average when the file is closed:
// (start of last record - start of first record) / number of records.
func WithRecordDurationStats() WriterOption {
	return func(ew *Writer) {
		ew.durationStats = true
	}
}

// WithClock overrides the clock used to timestamp data records.
func WithClock(now func() time.Time) WriterOption {
	return func(ew *Writer) {
		ew.now = now
	}
}

// Writer writes EDF and BDF files.
type Writer struct {
	mu             sync.Mutex
	w              io.WriteSeeker
	hdr            *Header
	recordSize     int   // Number of samples in one data record.
	sampleCount    int64 // Number of samples written so far.
	nextSignal     int   // Signal expected by the next WriteDigitalSamples call.
	closed         bool
	startUndefined bool
	durationStats  bool
	now            func() time.Time
	firstRecord    time.Time
	lastRecord     time.Time
}

// Create creates a new writer that writes to the given writer. The header is
// written on the first data write and rewritten, with the final number of data
// records, on Close. A zero StartTime is treated as unknown and is computed from
// the arrival time of the first data record.
func Create(w io.WriteSeeker, hdr Header, opts ...WriterOption) (*Writer, error) {
	if w == nil {
		return nil, fmt.Errorf("nil writer")
	}

	hdr.Version = hdr.Format.Version()
	hdr.SignalCount = len(hdr.Signals)
	hdr.HeaderBytes = 256 + (hdr.SignalCount * 256)
	hdr.DataRecords = -1 // Unknown number of data records (at this time).
	hdr.Signals = append([]Signal(nil), hdr.Signals...)

	ew := &Writer{
		w:              w,
		hdr:            &hdr,
		recordSize:     hdr.RecordSize(),
		startUndefined: hdr.StartTime.IsZero(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(ew)
	}

	return ew, nil
}

// Header returns a copy of the header as it currently stands.
func (ew *Writer) Header() Header {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	hdr := *ew.hdr
	hdr.Signals = append([]Signal(nil), ew.hdr.Signals...)
	return hdr
}

// RecordsWritten returns the number of complete data records written.
func (ew *Writer) RecordsWritten() int {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.recordsWritten()
}

// FirstRecordTime returns the time the first data record started arriving.
func (ew *Writer) FirstRecordTime() time.Time {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.firstRecord
}

// LastRecordTime returns the time the last data record started arriving.
func (ew *Writer) LastRecordTime() time.Time {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.lastRecord
}

// Closed reports whether Close has been called.
func (ew *Writer) Closed() bool {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.closed
}

// WriteDigitalSamples writes one signal's worth of digital samples for the
// current data record. Successive calls cycle through the signals in header
// order. Values outside the signal's digital range are saturated.
func (ew *Writer) WriteDigitalSamples(samples []int) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.writeDigitalSamples(samples)
}

// WriteDigitalRecord writes a complete data record: the samples of signal 0,
// followed by the samples of signal 1, and so on. Values outside a signal's
// digital range are saturated.
func (ew *Writer) WriteDigitalRecord(record []int) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if err := ew.checkWritable(); err != nil {
		return err
	}
	if ew.nextSignal != 0 {
		return fmt.Errorf("partial data record pending, expected samples of signal %d", ew.nextSignal)
	}
	if len(record) < ew.recordSize {
		return fmt.Errorf("expected %d samples in data record, got %d", ew.recordSize, len(record))
	}

	clamped := make([]int, ew.recordSize)
	var n int
	for _, signal := range ew.hdr.Signals {
		for i := 0; i < signal.SamplesPerRecord; i++ {
			clamped[n] = signal.Clamp(record[n])
			n++
		}
	}

	return ew.writeData(clamped)
}

// WritePhysicalSamples converts one signal's worth of physical samples to
// digital values and writes them like WriteDigitalSamples.
func (ew *Writer) WritePhysicalSamples(samples []float64) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if err := ew.checkWritable(); err != nil {
		return err
	}
	signal := ew.hdr.Signals[ew.nextSignal]
	if len(samples) < signal.SamplesPerRecord {
		return fmt.Errorf("expected %d samples for signal %d, got %d", signal.SamplesPerRecord, ew.nextSignal, len(samples))
	}

	digital := make([]int, signal.SamplesPerRecord)
	for i := range digital {
		digital[i] = signal.PhysicalToDigital(samples[i])
	}
	return ew.writeDigitalSamples(digital)
}

// WritePhysicalRecord converts a complete data record of physical samples to
// digital values and writes it like WriteDigitalRecord.
func (ew *Writer) WritePhysicalRecord(record []float64) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if err := ew.checkWritable(); err != nil {
		return err
	}
	if ew.nextSignal != 0 {
		return fmt.Errorf("partial data record pending, expected samples of signal %d", ew.nextSignal)
	}
	if len(record) < ew.recordSize {
		return fmt.Errorf("expected %d samples in data record, got %d", ew.recordSize, len(record))
	}

	digital := make([]int, ew.recordSize)
	var n int
	for _, signal := range ew.hdr.Signals {
		for i := 0; i < signal.SamplesPerRecord; i++ {
			digital[n] = signal.PhysicalToDigital(record[n])
			n++
		}
	}

	return ew.writeData(digital)
}

// Close finalizes the file by rewriting the header with the total number of
// data records. If the underlying writer is an io.Closer it is closed too,
// even when the header rewrite fails. Calling Close more than once is a no-op.
func (ew *Writer) Close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.closed {
		return nil
	}
	ew.closed = true

	var errs []error
	if err := ew.writeHeader(); err != nil {
		errs = append(errs, fmt.Errorf("error writing header: %w", err))
	}
	if c, ok := ew.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing file: %w", err))
		}
	}

	return errors.Join(errs...)
}

// WritingInfo summarizes the writing process: arrival time of the first and
// last data records, number of records and their measured average duration.
func (ew *Writer) WritingInfo() string {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	records := ew.recordsWritten()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Start recording time = %s\n", ew.firstRecord.Format("15:04:05.000"))
	fmt.Fprintf(&sb, "Stop recording time = %s\n", ew.lastRecord.Format("15:04:05.000"))
	fmt.Fprintf(&sb, "Number of data records = %d\n", records)
	if records > 1 {
		fmt.Fprintf(&sb, "Calculated duration of data records = %s\n", ew.lastRecord.Sub(ew.firstRecord)/time.Duration(records))
	}
	return sb.String()
}

func (ew *Writer) checkWritable() error {
	if ew.closed {
		return ErrClosed
	}
	if len(ew.hdr.Signals) == 0 {
		return ErrNoSignals
	}
	return nil
}

func (ew *Writer) writeDigitalSamples(samples []int) error {
	if err := ew.checkWritable(); err != nil {
		return err
	}

	signal := ew.hdr.Signals[ew.nextSignal]
	if len(samples) < signal.SamplesPerRecord {
		return fmt.Errorf("expected %d samples for signal %d, got %d", signal.SamplesPerRecord, ew.nextSignal, len(samples))
	}

	clamped := make([]int, signal.SamplesPerRecord)
	for i := range clamped {
		clamped[i] = signal.Clamp(samples[i])
	}

	if err := ew.writeData(clamped); err != nil {
		return err
	}

	ew.nextSignal++
	if ew.nextSignal == len(ew.hdr.Signals) {
		ew.nextSignal = 0
	}
	return nil
}

// writeData timestamps record boundaries, writes the header in front of the
// first samples and appends the encoded samples.
func (ew *Writer) writeData(samples []int) error {
	if ew.recordSize > 0 && ew.sampleCount%int64(ew.recordSize) == 0 {
		t := ew.now()
		if ew.sampleCount == 0 {
			ew.firstRecord = t
		}
		ew.lastRecord = t
	}

	if ew.sampleCount == 0 {
		if err := ew.writeHeader(); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}
	}

	width := ew.hdr.Format.BytesPerSample()
	buf := make([]byte, len(samples)*width)
	for i, v := range samples {
		putSample(buf[i*width:], v, width)
	}
	if _, err := ew.w.Write(buf); err != nil {
		return err
	}

	ew.sampleCount += int64(len(samples))
	return nil
}

func (ew *Writer) recordsWritten() int {
	if ew.recordSize == 0 {
		return 0
	}
	return int(ew.sampleCount / int64(ew.recordSize))
}

// writeHeader writes the header at the beginning of the file and restores the
// previous write position.
func (ew *Writer) writeHeader() error {
	if records := ew.recordsWritten(); records > 0 {
		ew.hdr.DataRecords = records
		if ew.durationStats && records > 1 {
			ew.hdr.DataRecordDuration = ew.lastRecord.Sub(ew.firstRecord) / time.Duration(records)
		}
	}
	if ew.startUndefined && !ew.firstRecord.IsZero() {
		ew.hdr.StartTime = ew.firstRecord.Add(-ew.hdr.DataRecordDuration)
	}

	pos, err := ew.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := ew.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := ew.w.Write(encodeHeader(ew.hdr)); err != nil {
		return err
	}

	if pos > 0 {
		if _, err := ew.w.Seek(pos, io.SeekStart); err != nil {
			return err
		}
	}
	return nil
}

// encodeHeader serializes the fixed-width ASCII header record.
func encodeHeader(hdr *Header) []byte {
	var b bytes.Buffer

	// Version, patient and recording IDs
	b.WriteString(field(string(hdr.Version), 8))
	b.WriteString(field(hdr.PatientID, 80))
	b.WriteString(field(hdr.RecordingID, 80))

	// Start date and time
	b.WriteString(field(hdr.StartTime.Format("02.01.06"), 8))
	b.WriteString(field(hdr.StartTime.Format("15.04.05"), 8))

	b.WriteString(field(strconv.Itoa(hdr.HeaderBytes), 8))

	// 44 reserved bytes, BDF files carry the sample width here.
	reserved := ""
	if hdr.Format == FormatBDF {
		reserved = "24BIT"
	}
	b.WriteString(field(reserved, 44))

	b.WriteString(field(strconv.Itoa(hdr.DataRecords), 8))
	b.WriteString(field(formatDuration(hdr.DataRecordDuration), 8))
	b.WriteString(field(strconv.Itoa(hdr.SignalCount), 4))

	for _, signal := range hdr.Signals {
		b.WriteString(field(signal.Label, 16))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(signal.TransducerType, 80))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(signal.PhysicalDimension, 8))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(formatPhysicalValue(signal.PhysicalMin))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(formatPhysicalValue(signal.PhysicalMax))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(strconv.Itoa(signal.DigitalMin), 8))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(strconv.Itoa(signal.DigitalMax), 8))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(signal.Prefiltering, 80))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(strconv.Itoa(signal.SamplesPerRecord), 8))
	}
	for _, signal := range hdr.Signals {
		b.WriteString(field(signal.Reserved, 32))
	}

	return b.Bytes()
}

// putSample stores v as a little-endian integer of the given width.
func putSample(b []byte, v int, width int) {
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// field pads s with spaces, or truncates it, to exactly n bytes.
func field(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func formatDuration(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if len(s) > 8 {
		s = strings.TrimRight(s[:8], ".")
	}
	return s
}

// convertPhysicalToDigital converts a physical value to a digital value using the calibration factors.
func convertPhysicalToDigital(physical float64, pmin, pmax float64, dmin, dmax int) int {
	if pmax == pmin {
		return 0 // Avoid division by zero
	}
	digital := ((physical - pmin) * (float64(dmax - dmin)) / (pmax - pmin)) + float64(dmin)
	return int(math.Round(digital))
}

func formatPhysicalValue(val float64) string {
	// Try with 2 decimal places
	s := fmt.Sprintf("%.2f", val)
	if len(s) > 8 {
		// Fall back to no decimal
		s = fmt.Sprintf("%.0f", val)
	}
	return field(s, 8)
}
