// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package serialport

import (
	"fmt"
	"slices"

	"go.bug.st/serial/enumerator"
)

var detailedPortsList = enumerator.GetDetailedPortsList

// PortInfo holds details about a serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]PortInfo, error) {
	ports, err := detailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	var result []PortInfo
	for _, p := range ports {
		result = append(result, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return result, nil
}

// PortNames returns the names of the present ports. A selected port that is
// not present is kept at the head of the list so it stays selectable.
func PortNames(selected string) ([]string, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ports)+1)
	for _, p := range ports {
		names = append(names, p.Name)
	}
	if selected != "" && !slices.Contains(names, selected) {
		names = append([]string{selected}, names...)
	}
	return names, nil
}
