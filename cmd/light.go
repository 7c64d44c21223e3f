// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

var (
	lightEffect string
	lightR      uint8
	lightG      uint8
	lightB      uint8
)

var lightCmd = &cobra.Command{
	Use:   "light",
	Short: "Set the accessory's RGB light once and exit",
	Long: `Connect to the accessory, apply an RGB light setting and disconnect.

Effects: colorful, breath-multi, breath-single, always-on. The color
channels only apply to the single-color effects; multi-color effects
cycle their own palette.`,
	RunE: runLight,
}

func init() {
	lightCmd.Flags().StringVarP(&lightEffect, "effect", "e", "always-on", "Light effect")
	lightCmd.Flags().Uint8Var(&lightR, "red", 255, "Red channel (0-255)")
	lightCmd.Flags().Uint8Var(&lightG, "green", 0, "Green channel (0-255)")
	lightCmd.Flags().Uint8Var(&lightB, "blue", 0, "Blue channel (0-255)")
	rootCmd.AddCommand(lightCmd)
}

func runLight(cmd *cobra.Command, args []string) error {
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

	effect := cooler.ParseEffect(lightEffect)
	if err := machine.WriteLight(cooler.EncodeLight(effect, lightR, lightG, lightB)); err != nil {
		return fmt.Errorf("apply light: %w", err)
	}
	fmt.Printf("Light set: %s #%02X%02X%02X\n", effect, lightR, lightG, lightB)
	return nil
}
