// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI showing connection, thermal and accessory state",
	Long: `Interactive dashboard: connection lifecycle, host thermal snapshot and
the accessory's own temperature/speed telemetry, refreshed live.

Does not drive the fan; run the daemon for that. Monitor connects its
own session, so stop the daemon first or watch it via the HTTP API.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("monitor needs an interactive terminal")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	machine, closeSession, err := openSession(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeSession()

	thresholds := thermal.Thresholds{
		SafeC:     cfg.Thermal.SafeC,
		WarmC:     cfg.Thermal.WarmC,
		HotC:      cfg.Thermal.HotC,
		CriticalC: cfg.Thermal.CriticalC,
	}
	sampler := thermal.NewSampler(thresholds, cfg.Thermal.SensorReadTimeout, log)

	m := newMonitorModel(machine, sampler)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
