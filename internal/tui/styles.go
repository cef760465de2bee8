// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tui

import "github.com/charmbracelet/lipgloss"

var (
	Primary = lipgloss.Color("63")  // Purple/blue
	Success = lipgloss.Color("78")  // Green
	Warning = lipgloss.Color("214") // Orange
	Error   = lipgloss.Color("196") // Red
	Surface = lipgloss.Color("236") // Dark gray
	Text    = lipgloss.Color("252") // Light gray
	TextDim = lipgloss.Color("245") // Dimmer text

	TitleStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true).
			MarginBottom(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(TextDim).
			Width(12)

	StateStyle = lipgloss.NewStyle().
			Foreground(Text).
			Bold(true)

	ConnectedStyle    = lipgloss.NewStyle().Foreground(Success)
	DisconnectedStyle = lipgloss.NewStyle().Foreground(Error)
	NoteStyle         = lipgloss.NewStyle().Foreground(Warning)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(TextDim).
			Background(Surface).
			Padding(0, 1)

	StatusBarKeyStyle = lipgloss.NewStyle().
				Foreground(Text).
				Background(Surface).
				Bold(true)

	ContentStyle = lipgloss.NewStyle().
			Padding(1, 2)
)

// StatusKey renders a key hint for the status bar.
func StatusKey(k, desc string) string {
	return StatusBarKeyStyle.Render(k) + StatusBarStyle.Render(":"+desc)
}
