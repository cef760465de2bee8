// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import "fmt"

// Digital and physical ranges of the values the device reports.
const (
	ChannelDigitalMin = -8388608
	ChannelDigitalMax = 8388607
	// ReferenceMicroVolts is the full-scale input range at gain 1.
	ReferenceMicroVolts = 2400000

	AccelerometerDigitalMin = -32768
	AccelerometerDigitalMax = 32767
	AccelerometerPhysicalMax = 2000 // mg

	BatteryDigitalMin = 0
	BatteryDigitalMax = 10240

	LeadOffDigitalMin = 0
	LeadOffDigitalMax = 65535
)

// ChannelPhysicalMax returns the full-scale input of a channel in uV.
func ChannelPhysicalMax(g Gain) float64 {
	if g <= 0 {
		g = 1
	}
	return float64(ReferenceMicroVolts) / float64(g)
}

// LeadOffIntToBitmask converts the lead-off field of a data frame to a mask
// where element 2k is the positive and element 2k+1 the negative electrode of
// channel k. True means the electrode is disconnected.
//
// The 2 channel device packs the bits in mask order. The 8 channel device
// sends the negative electrodes in the low byte and the positive electrodes
// in the high byte.
func LeadOffIntToBitmask(leadOff int, channelCount int) ([]bool, error) {
	mask := make([]bool, 2*channelCount)

	switch channelCount {
	case 2:
		for k := range mask {
			mask[k] = (leadOff>>k)&1 == 1
		}
	case 8:
		for k := 0; k < 16; k++ {
			if (leadOff>>k)&1 != 1 {
				continue
			}
			if k < 8 {
				mask[2*k+1] = true
			} else {
				mask[2*(k-8)] = true
			}
		}
	default:
		return nil, fmt.Errorf("%w: number of channels should be 2 or 8, got %d", ErrInvalidArgument, channelCount)
	}

	return mask, nil
}

// LeadOffInt combines the lead-off fields of a data frame into the integer
// accepted by LeadOffIntToBitmask.
func LeadOffInt(fields []int) int {
	var v int
	for i, f := range fields {
		v |= (f & 0xFF) << (8 * i)
	}
	return v
}

// BatteryPercentage converts a raw battery reading to a charge percentage.
func BatteryPercentage(raw int) (float64, error) {
	if raw < BatteryDigitalMin || raw > BatteryDigitalMax {
		return 0, fmt.Errorf("%w: battery value %d outside [%d, %d]", ErrInvalidArgument, raw, BatteryDigitalMin, BatteryDigitalMax)
	}
	return 100 * float64(raw) / BatteryDigitalMax, nil
}
