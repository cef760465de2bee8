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
	"io"
	"os"
	"strconv"
	"time"

	"github.com/OpenPSG/biorecorder/edf"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Print the header of a recorded EDF or BDF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		r, err := edf.Open(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		printHeader(cmd.OutOrStdout(), r.Header())
		return nil
	},
}

func printHeader(w io.Writer, hdr edf.Header) {
	fmt.Fprintf(w, "Format:               %s\n", hdr.Format)
	fmt.Fprintf(w, "Patient:              %s\n", hdr.PatientID)
	fmt.Fprintf(w, "Recording:            %s\n", hdr.RecordingID)
	fmt.Fprintf(w, "Start:                %s\n", hdr.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Data records:         %d\n", hdr.DataRecords)
	fmt.Fprintf(w, "Data record duration: %s\n", hdr.DataRecordDuration)
	if hdr.DataRecords > 0 {
		fmt.Fprintf(w, "Duration:             %s\n", hdr.DataRecordDuration*time.Duration(hdr.DataRecords))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "LABEL", "UNIT", "PHYSICAL", "DIGITAL", "SAMPLES", "PREFILTER")
	for i, s := range hdr.Signals {
		t.Row(
			strconv.Itoa(i),
			s.Label,
			s.PhysicalDimension,
			fmt.Sprintf("%g..%g", s.PhysicalMin, s.PhysicalMax),
			fmt.Sprintf("%d..%d", s.DigitalMin, s.DigitalMax),
			strconv.Itoa(s.SamplesPerRecord),
			s.Prefiltering,
		)
	}
	fmt.Fprintln(w, t.Render())
}
