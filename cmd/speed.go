// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

var speedCmd = &cobra.Command{
	Use:   "speed <percent>",
	Short: "Set the fan speed once and exit",
	Long: `Connect to the accessory, apply a fan speed in percent (0-100) and
disconnect. The accessory keeps the speed after the session ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runSpeed,
}

func init() {
	rootCmd.AddCommand(speedCmd)
}

func runSpeed(cmd *cobra.Command, args []string) error {
	percent, err := strconv.Atoi(args[0])
	if err != nil || percent < 0 || percent > cooler.SpeedPercentMax {
		return fmt.Errorf("speed must be an integer in 0-%d, got %q", cooler.SpeedPercentMax, args[0])
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

	if err := machine.WriteSpeed(cooler.EncodeSpeed(percent)); err != nil {
		return fmt.Errorf("apply speed: %w", err)
	}
	fmt.Printf("Fan speed set to %d%% (raw %d)\n", percent, cooler.EncodeSpeed(percent))
	return nil
}
