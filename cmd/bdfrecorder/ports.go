// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"fmt"
	"os"

	"github.com/OpenPSG/biorecorder/internal/serialport"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the available serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg, os.Stderr, true)

		ports, err := serialport.ListPorts()
		if err != nil {
			return err
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("PORT", "USB", "VID:PID", "SERIAL", "PRODUCT")
		for _, p := range ports {
			name := p.Name
			if name == cfg.Port {
				name += " *"
			}
			usb, ids := "no", ""
			if p.IsUSB {
				usb, ids = "yes", p.VID+":"+p.PID
			}
			t.Row(name, usb, ids, p.SerialNumber, p.Product)
		}

		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.Render())
		return nil
	},
}
