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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OpenPSG/biorecorder/ads"
	"github.com/OpenPSG/biorecorder/internal/serialport"
	"github.com/OpenPSG/biorecorder/internal/tui"
	"github.com/OpenPSG/biorecorder/recorder"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	recordPort      string
	recordOutput    string
	recordLogFile   string
	recordAutoStart bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Connect to the recorder and record to a BDF file",
	Long: `record connects to the recorder on the configured serial port and shows
its state. Press r to start recording into the configured file and s to stop.
Logs are written to the log file since the terminal shows the status view.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if recordPort != "" {
			cfg.Port = recordPort
		}
		if recordOutput != "" {
			cfg.Output.FileName = recordOutput
		}

		logFile, err := os.OpenFile(recordLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()
		setupLogging(cfg, logFile, false)

		deviceCfg, err := cfg.DeviceConfig()
		if err != nil {
			return fmt.Errorf("invalid device configuration: %w", err)
		}

		port, err := serialport.Open(cfg.Port, ads.BaudRate,
			serialport.WithLogger(log.Logger.With().Str("component", "serialport").Logger()))
		if err != nil {
			if names, listErr := serialport.PortNames(cfg.Port); listErr == nil && errors.Is(err, serialport.ErrPortNotFound) {
				return fmt.Errorf("%w, available ports: %v", err, names)
			}
			return err
		}

		controller := ads.New(port, ads.WithLogger(log.Logger.With().Str("component", "controller").Logger()))
		session := recorder.NewSession(controller, recorder.WithLogger(log.Logger.With().Str("component", "recorder").Logger()))
		defer func() {
			if err := session.Disconnect(); err != nil {
				log.Error().Err(err).Msg("Failed to disconnect")
			}
		}()

		notifications := make(chan string, 16)
		session.SetNotificationListener(func(msg string) {
			select {
			case notifications <- msg:
			default:
				log.Warn().Str("notification", msg).Msg("Dropping notification")
			}
		})
		session.SetMessageListener(func(m ads.Message) {
			log.Debug().Stringer("type", m.Type).Msg("Recorder message")
		})

		if err := controller.StartMonitoring(); err != nil {
			return err
		}

		opts := recorder.Options{
			PatientID:           cfg.Output.PatientID,
			RecordingID:         cfg.Output.RecordingID,
			MainsFilter:         cfg.MainsFilter(),
			RecordDurationStats: cfg.Output.RecordDurationStats,
		}
		// Every recording gets its own file named after its start time.
		start := func() error {
			o := opts
			o.Path = cfg.OutputPath(time.Now())
			return session.Start(deviceCfg, o)
		}
		if recordAutoStart {
			if err := start(); err != nil {
				return err
			}
		}

		dir := cfg.Output.Directory
		if dir == "" {
			dir = "."
		}
		title := fmt.Sprintf("BDF recorder (%s, %s) -> %s", cfg.Port, deviceCfg.DeviceType, dir)
		p := tea.NewProgram(tui.New(title, session, start, notifications), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordPort, "port", "p", "", "serial port overriding the configuration")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "output file name overriding the configuration")
	recordCmd.Flags().StringVar(&recordLogFile, "log-file", "bdfrecorder.log", "file receiving the logs")
	recordCmd.Flags().BoolVar(&recordAutoStart, "start", false, "start recording immediately")
}
