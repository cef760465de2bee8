// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads_test

import (
	"testing"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadOffIntToBitmaskTwoChannels(t *testing.T) {
	for v := 0; v < 16; v++ {
		mask, err := ads.LeadOffIntToBitmask(v, 2)
		require.NoError(t, err)
		require.Len(t, mask, 4)

		for k := range mask {
			assert.Equal(t, (v>>k)&1 == 1, mask[k], "value %d, position %d", v, k)
		}
	}
}

func TestLeadOffIntToBitmaskEightChannels(t *testing.T) {
	for v := 0; v <= 0xFFFF; v++ {
		mask, err := ads.LeadOffIntToBitmask(v, 8)
		require.NoError(t, err)
		require.Len(t, mask, 16)

		for ch := 0; ch < 8; ch++ {
			// Positive electrodes come from the high byte, negative ones from the low byte.
			require.Equal(t, (v>>(ch+8))&1 == 1, mask[2*ch], "value %d, channel %d positive", v, ch)
			require.Equal(t, (v>>ch)&1 == 1, mask[2*ch+1], "value %d, channel %d negative", v, ch)
		}
	}
}

func TestLeadOffIntToBitmaskInvalidChannelCount(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 16} {
		_, err := ads.LeadOffIntToBitmask(0, n)
		require.ErrorIs(t, err, ads.ErrInvalidArgument)
	}
}

func TestLeadOffInt(t *testing.T) {
	assert.Equal(t, 0x0B, ads.LeadOffInt([]int{0x0B}))
	assert.Equal(t, 0x8001, ads.LeadOffInt([]int{0x01, 0x80}))

	mask, err := ads.LeadOffIntToBitmask(ads.LeadOffInt([]int{0x01, 0x80}), 8)
	require.NoError(t, err)
	assert.True(t, mask[1])  // channel 1 negative
	assert.True(t, mask[14]) // channel 8 positive
}

func TestBatteryPercentage(t *testing.T) {
	p, err := ads.BatteryPercentage(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)

	p, err = ads.BatteryPercentage(ads.BatteryDigitalMax)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)

	prev := -1.0
	for raw := ads.BatteryDigitalMin; raw <= ads.BatteryDigitalMax; raw++ {
		p, err := ads.BatteryPercentage(raw)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p, prev)
		prev = p
	}

	_, err = ads.BatteryPercentage(-1)
	require.ErrorIs(t, err, ads.ErrInvalidArgument)

	_, err = ads.BatteryPercentage(ads.BatteryDigitalMax + 1)
	require.ErrorIs(t, err, ads.ErrInvalidArgument)
}

func TestChannelPhysicalMax(t *testing.T) {
	assert.Equal(t, 2400000.0, ads.ChannelPhysicalMax(1))
	assert.Equal(t, 200000.0, ads.ChannelPhysicalMax(12))
}
