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
	"errors"
	"time"
)

type Version string

const (
	// Version0 represents the version of the EDF/EDF+ standard.
	Version0 Version = "0"
	// VersionBDF is the version field of 24-bit BioSemi (BDF) files.
	VersionBDF Version = "\xffBIOSEMI"
)

// Format selects the sample width of a file.
type Format int

const (
	// FormatEDF stores samples as 16-bit little-endian integers.
	FormatEDF Format = iota
	// FormatBDF stores samples as 24-bit little-endian integers.
	FormatBDF
)

// BytesPerSample returns the number of bytes a single sample occupies.
func (f Format) BytesPerSample() int {
	if f == FormatBDF {
		return 3
	}
	return 2
}

// Version returns the header version field for the format.
func (f Format) Version() Version {
	if f == FormatBDF {
		return VersionBDF
	}
	return Version0
}

func (f Format) String() string {
	if f == FormatBDF {
		return "BDF"
	}
	return "EDF"
}

// formatOf derives the format from a header version field.
func formatOf(v Version) Format {
	if v == VersionBDF {
		return FormatBDF
	}
	return FormatEDF
}

var (
	// ErrClosed is returned when writing to a closed writer.
	ErrClosed = errors.New("file was closed, data can not be written")
	// ErrNoSignals is returned when the header declares no signals.
	ErrNoSignals = errors.New("number of signals is 0, data can not be written")
)

// Header represents the EDF/BDF file header.
type Header struct {
	Version            Version       // Version field, derived from Format when writing
	Format             Format        // Sample width (EDF 16-bit or BDF 24-bit)
	PatientID          string        // Identification of the patient
	RecordingID        string        // Identification of the recording session
	StartTime          time.Time     // Start of the recording, zero if not yet known
	HeaderBytes        int           // Number of bytes in the header
	DataRecordDuration time.Duration // Duration of a single data record
	DataRecords        int           // Number of data records, -1 if unknown
	SignalCount        int           // Number of signals in each data record
	Signals            []Signal      // Details of each signal
}

// RecordSize returns the number of samples in one data record.
func (h *Header) RecordSize() int {
	var n int
	for _, s := range h.Signals {
		n += s.SamplesPerRecord
	}
	return n
}

// Signal represents the characteristics of each signal in the EDF/BDF file.
type Signal struct {
	Label             string  // Label of the signal (e.g., EEG Fpz-Cz)
	TransducerType    string  // Type of transducer used
	PhysicalDimension string  // Physical dimension (e.g., uV, mV)
	PhysicalMin       float64 // Minimum physical value
	PhysicalMax       float64 // Maximum physical value
	DigitalMin        int     // Minimum digital value
	DigitalMax        int     // Maximum digital value
	Prefiltering      string  // Pre-filtering information
	SamplesPerRecord  int     // Number of samples in each data record for this signal
	Reserved          string  // Reserved for future use
}

// PhysicalToDigital converts a physical value to the nearest digital value,
// clamped to the signal's digital range.
func (s Signal) PhysicalToDigital(physical float64) int {
	return s.Clamp(convertPhysicalToDigital(physical, s.PhysicalMin, s.PhysicalMax, s.DigitalMin, s.DigitalMax))
}

// DigitalToPhysical converts a digital value to its physical value.
func (s Signal) DigitalToPhysical(digital int) float64 {
	return convertDigitalToPhysical(digital, s.DigitalMin, s.DigitalMax, s.PhysicalMin, s.PhysicalMax)
}

// Clamp saturates a digital value into [DigitalMin, DigitalMax].
func (s Signal) Clamp(digital int) int {
	if digital < s.DigitalMin {
		return s.DigitalMin
	}
	if digital > s.DigitalMax {
		return s.DigitalMax
	}
	return digital
}
