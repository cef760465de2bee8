// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	Start key.Binding
	Stop  key.Binding
	Quit  key.Binding
}

var Keys = KeyMap{
	Start: key.NewBinding(
		key.WithKeys("r", "enter"),
		key.WithHelp("r", "record"),
	),
	Stop: key.NewBinding(
		key.WithKeys("s", "esc"),
		key.WithHelp("s", "stop"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k KeyMap) bindings() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.Quit}
}
