// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package tui is the terminal status view of a recording.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	refreshInterval = time.Second
	maxNotes        = 5
)

// Session is the recording session shown by the view.
type Session interface {
	StateReport() string
	BatteryPercentage() (float64, bool)
	LeadOffMask() []bool
	IsRecording() bool
	Stop() error
}

type tickMsg time.Time

type notificationMsg string

type actionDoneMsg struct {
	action string
	err    error
}

// Model is the bubbletea model of the status view.
type Model struct {
	session       Session
	start         func() error
	notifications <-chan string

	title   string
	report  string
	battery string
	leadOff []bool
	notes   []string
	busy    bool
	width   int
}

// New creates the view. start begins a recording with the configured
// settings. notifications carries the session's user-facing messages.
func New(title string, session Session, start func() error, notifications <-chan string) Model {
	m := Model{
		session:       session,
		start:         start,
		notifications: notifications,
		title:         title,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.waitForNotification())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) waitForNotification() tea.Cmd {
	if m.notifications == nil {
		return nil
	}
	ch := m.notifications
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return notificationMsg(msg)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case notificationMsg:
		m.addNote(string(msg))
		m.refresh()
		return m, m.waitForNotification()

	case actionDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.addNote(fmt.Sprintf("%s failed: %v", msg.action, msg.err))
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, Keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, Keys.Start):
			if m.busy || m.session.IsRecording() {
				return m, nil
			}
			m.busy = true
			return m, run("Start", m.start)
		case key.Matches(msg, Keys.Stop):
			if m.busy || !m.session.IsRecording() {
				return m, nil
			}
			m.busy = true
			return m, run("Stop", m.session.Stop)
		}
	}
	return m, nil
}

// run performs a blocking session action off the update loop.
func run(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{action: action, err: fn()}
	}
}

func (m *Model) refresh() {
	m.report = m.session.StateReport()
	m.battery = "-"
	if p, ok := m.session.BatteryPercentage(); ok {
		m.battery = fmt.Sprintf("%.0f%%", p)
	}
	m.leadOff = m.session.LeadOffMask()
}

func (m *Model) addNote(note string) {
	m.notes = append(m.notes, time.Now().Format("15:04:05")+" "+note)
	if len(m.notes) > maxNotes {
		m.notes = m.notes[len(m.notes)-maxNotes:]
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n")

	stateStyle := StateStyle
	if m.report == "Disconnected" {
		stateStyle = DisconnectedStyle
	}
	b.WriteString(LabelStyle.Render("State") + stateStyle.Render(m.report) + "\n")
	b.WriteString(LabelStyle.Render("Battery") + m.battery + "\n")
	b.WriteString(LabelStyle.Render("Lead off") + renderLeadOff(m.leadOff) + "\n")

	if len(m.notes) > 0 {
		b.WriteString("\n")
		for _, note := range m.notes {
			b.WriteString(NoteStyle.Render(note) + "\n")
		}
	}

	var hints []string
	for _, k := range Keys.bindings() {
		h := k.Help()
		hints = append(hints, StatusKey(h.Key, h.Desc))
	}
	bar := StatusBarStyle.Render(strings.Join(hints, " "))
	if m.width > 0 {
		bar = lipgloss.PlaceHorizontal(m.width, lipgloss.Left, bar)
	}

	return ContentStyle.Render(b.String()) + "\n" + bar
}

// renderLeadOff shows the positive and negative electrode of every channel,
// marking disconnected electrodes.
func renderLeadOff(mask []bool) string {
	if mask == nil {
		return "-"
	}

	var parts []string
	for ch := 0; ch < len(mask)/2; ch++ {
		parts = append(parts, fmt.Sprintf("%d:%s%s", ch+1,
			electrode("P", mask[2*ch]), electrode("N", mask[2*ch+1])))
	}
	return strings.Join(parts, " ")
}

func electrode(name string, off bool) string {
	if off {
		return DisconnectedStyle.Render(strings.ToLower(name))
	}
	return ConnectedStyle.Render(name)
}
