// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command bdfrecorder records biosignals from a serial recorder into BDF files.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/OpenPSG/biorecorder/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "bdfrecorder",
	Short: "Record biosignals from a serial recorder into BDF files",
	Long: `bdfrecorder drives a 2 or 8 channel biosignal recorder over a serial port
and stores the acquired signals, accelerometer, battery and lead-off status
in BDF (24-bit European Data Format) files.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bdfrecorder.yaml", "path of the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level overriding the configuration (debug, info, warn, error)")

	rootCmd.AddCommand(portsCmd, recordCmd, infoCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// setupLogging sends human readable logs to w.
func setupLogging(cfg config.Config, w io.Writer, color bool) {
	zerolog.SetGlobalLevel(cfg.Level())
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !color,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file %s already exists", configPath)
		}
		if err := config.Save(config.Defaults(), configPath); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", configPath)
		return nil
	},
}
