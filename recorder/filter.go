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
	"math"
)

// Filter transforms a signal sample by sample.
type Filter interface {
	Apply(sample int) int
	// Name describes the filter in the file header prefiltering field.
	Name() string
}

// MovingAverage averages the last n samples. With n equal to the sample rate
// divided by 50 it removes 50 Hz mains noise.
type MovingAverage struct {
	window []int
	pos    int
	filled int
	sum    int
}

// NewMovingAverage creates a moving average over n samples.
func NewMovingAverage(n int) *MovingAverage {
	if n < 1 {
		n = 1
	}
	return &MovingAverage{window: make([]int, n)}
}

// Apply adds a sample and returns the average of the samples in the window.
func (f *MovingAverage) Apply(sample int) int {
	if f.filled == len(f.window) {
		f.sum -= f.window[f.pos]
	} else {
		f.filled++
	}
	f.window[f.pos] = sample
	f.sum += sample
	f.pos = (f.pos + 1) % len(f.window)

	return int(math.Round(float64(f.sum) / float64(f.filled)))
}

func (f *MovingAverage) Name() string {
	return fmt.Sprintf("MovAvg:%d", len(f.window))
}

// MainsFilter returns the 50 Hz moving average for a channel sampled at rate
// Hz, or nil when the rate is too low for it to have any effect.
func MainsFilter(rate int) Filter {
	n := rate / 50
	if n <= 1 {
		return nil
	}
	return NewMovingAverage(n)
}
