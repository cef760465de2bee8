// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import "io"

// BaudRate is the serial speed of the device link.
const BaudRate = 460800

// Transport is an open byte link to the device.
type Transport interface {
	io.Writer
	io.ByteWriter
	// IsOpen reports whether the link is usable.
	IsOpen() bool
	// SetListener registers the receiver of incoming bytes, replacing any
	// previous one. A nil listener discards incoming bytes. The listener is
	// called from a single goroutine and must not block.
	SetListener(l func(p []byte))
	Close() error
}
