// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import "errors"

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current device state, or after the transport was closed.
	ErrInvalidState = errors.New("invalid device state")
	// ErrInvalidArgument is returned for malformed configurations and values.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStartTimeout means the device did not report its type or did not
	// send data within the starting time limit.
	ErrStartTimeout = errors.New("start timed out")
	// ErrStartCancelled means the starting sequence was interrupted by stop,
	// a new start or disconnect.
	ErrStartCancelled = errors.New("start cancelled")
	// ErrDeviceTypeMismatch means the connected device is not of the
	// configured type.
	ErrDeviceTypeMismatch = errors.New("device type mismatch")
)
