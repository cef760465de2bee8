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

	"github.com/OpenPSG/biorecorder/ads"
)

// ErrFrameSize is returned when a sub-frame does not match the joiner layout.
var ErrFrameSize = errors.New("unexpected sub-frame size")

// RecordSink receives joined data records. The record slice is handed over
// to the sink and is not reused by the joiner.
type RecordSink func(record []int) error

// Joiner assembles consecutive device sub-frames into data records.
//
// A sub-frame holds counts[c] samples of every signal c followed by status
// fields. In the joined record the samples of each signal are contiguous:
// signal c of sub-frame i lands at offset(c)*n + i*counts[c], where offset(c)
// is the number of sub-frame samples of the signals before c. The status
// fields of the last sub-frame are appended once at the end.
type Joiner struct {
	counts  []int
	offsets []int
	samples int // Signal samples in one sub-frame.
	status  int
	n       int
	record  []int
	index   int
	sink    RecordSink
}

// NewJoiner creates a joiner emitting one record every framesPerRecord
// sub-frames.
func NewJoiner(counts []int, statusFields, framesPerRecord int, sink RecordSink) (*Joiner, error) {
	if framesPerRecord < 1 {
		return nil, fmt.Errorf("frames per record must be positive, got %d", framesPerRecord)
	}
	if statusFields < 0 {
		return nil, fmt.Errorf("status field count must not be negative, got %d", statusFields)
	}

	j := &Joiner{
		counts:  append([]int(nil), counts...),
		offsets: make([]int, len(counts)),
		status:  statusFields,
		n:       framesPerRecord,
		sink:    sink,
	}
	for c, cnt := range counts {
		if cnt < 1 {
			return nil, fmt.Errorf("signal %d must have at least one sample per sub-frame", c)
		}
		j.offsets[c] = j.samples
		j.samples += cnt
	}
	j.record = make([]int, j.RecordLength())

	return j, nil
}

// NewJoinerFor creates a joiner for the sub-frames produced with cfg.
func NewJoinerFor(cfg ads.Config, sink RecordSink) (*Joiner, error) {
	return NewJoiner(cfg.SubframeCounts(), cfg.StatusFieldCount(), cfg.FramesPerRecord(), sink)
}

// RecordLength returns the number of integers in a joined record.
func (j *Joiner) RecordLength() int {
	return j.samples*j.n + j.status
}

// FramesPerRecord returns the number of sub-frames joined into one record.
func (j *Joiner) FramesPerRecord() int {
	return j.n
}

// Add adds the next sub-frame. When it completes a record, the record is
// passed to the sink and the sink's error is returned.
func (j *Joiner) Add(frame []int) error {
	if len(frame) != j.samples+j.status {
		return fmt.Errorf("%w: expected %d values, got %d", ErrFrameSize, j.samples+j.status, len(frame))
	}

	for c, cnt := range j.counts {
		dst := j.offsets[c]*j.n + j.index*cnt
		copy(j.record[dst:dst+cnt], frame[j.offsets[c]:j.offsets[c]+cnt])
	}

	j.index++
	if j.index < j.n {
		return nil
	}

	copy(j.record[j.samples*j.n:], frame[j.samples:])

	record := j.record
	j.record = make([]int, len(record))
	j.index = 0

	if j.sink == nil {
		return nil
	}
	return j.sink(record)
}

// Reset discards a partially joined record.
func (j *Joiner) Reset() {
	j.index = 0
}
