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
	"fmt"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/OpenPSG/biorecorder/edf"
)

// Header builds the BDF header describing the records joined for cfg.
// Signals follow the record layout: enabled channels, accelerometer,
// battery and lead-off status. filters maps hardware channel indices to the
// filter applied to them.
func Header(cfg ads.Config, patientID, recordingID string, filters map[int]Filter) edf.Header {
	seconds := cfg.RecordDuration.Seconds()
	samples := func(rate int) int {
		return int(float64(rate)*seconds + 0.5)
	}

	hdr := edf.Header{
		Format:             edf.FormatBDF,
		PatientID:          patientID,
		RecordingID:        recordingID,
		DataRecordDuration: cfg.RecordDuration,
	}

	for _, i := range cfg.EnabledChannels() {
		ch := cfg.Channels[i]
		label := ch.Name
		if label == "" {
			label = fmt.Sprintf("Channel %d", i+1)
		}
		s := edf.Signal{
			Label:             label,
			TransducerType:    "Unknown",
			PhysicalDimension: "uV",
			PhysicalMin:       -ads.ChannelPhysicalMax(ch.Gain),
			PhysicalMax:       ads.ChannelPhysicalMax(ch.Gain),
			DigitalMin:        ads.ChannelDigitalMin,
			DigitalMax:        ads.ChannelDigitalMax,
			SamplesPerRecord:  samples(cfg.ChannelSampleRate(i)),
		}
		if f := filters[i]; f != nil {
			s.Prefiltering = f.Name()
		}
		hdr.Signals = append(hdr.Signals, s)
	}

	accelerometer := edf.Signal{
		TransducerType:    "None",
		PhysicalDimension: "mg",
		PhysicalMin:       -ads.AccelerometerPhysicalMax,
		PhysicalMax:       ads.AccelerometerPhysicalMax,
		DigitalMin:        ads.AccelerometerDigitalMin,
		DigitalMax:        ads.AccelerometerDigitalMax,
		SamplesPerRecord:  samples(cfg.AccelerometerSampleRate()),
	}
	switch cfg.AccelerometerChannels() {
	case 1:
		// Sum of the absolute values of the three axes.
		s := accelerometer
		s.Label = "Accelerometer"
		s.PhysicalMin, s.PhysicalMax = 0, 3*ads.AccelerometerPhysicalMax
		s.DigitalMin, s.DigitalMax = 0, 3*ads.AccelerometerDigitalMax
		hdr.Signals = append(hdr.Signals, s)
	case 3:
		for _, axis := range []string{"X", "Y", "Z"} {
			s := accelerometer
			s.Label = "Accelerometer " + axis
			hdr.Signals = append(hdr.Signals, s)
		}
	}

	if cfg.BatteryEnabled {
		hdr.Signals = append(hdr.Signals, edf.Signal{
			Label:             "Battery voltage",
			TransducerType:    "None",
			PhysicalDimension: "%",
			PhysicalMin:       0,
			PhysicalMax:       100,
			DigitalMin:        ads.BatteryDigitalMin,
			DigitalMax:        ads.BatteryDigitalMax,
			SamplesPerRecord:  1,
		})
	}

	if n := cfg.LeadOffFieldCount(); n > 0 {
		hdr.Signals = append(hdr.Signals, edf.Signal{
			Label:             "Lead Off Status",
			TransducerType:    "None",
			PhysicalDimension: "Bit mask",
			PhysicalMin:       ads.LeadOffDigitalMin,
			PhysicalMax:       ads.LeadOffDigitalMax,
			DigitalMin:        ads.LeadOffDigitalMin,
			DigitalMax:        ads.LeadOffDigitalMax,
			SamplesPerRecord:  n,
		})
	}

	return hdr
}
