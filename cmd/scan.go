// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for a cooling accessory",
	Long: `Scan for the first accessory matching the device table (or the
--family flag) and print its identity. Useful to confirm an accessory is
in range and to capture its address for --address fast connects.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	transport, err := buildTransport(cfg, log)
	if err != nil {
		return err
	}

	filter := conn.ScanFilter{
		Validate: func(name string, uuids []string) (cooler.DeviceIdentity, bool) {
			if cfg.Device.Family != "" {
				f, ok := cooler.FamilyByTag(cfg.Device.Family)
				if !ok || !cooler.MatchAdvertisement(name, uuids, f) {
					return cooler.DeviceIdentity{}, false
				}
				return cooler.DeviceIdentity{Family: f.Tag, Label: name}, true
			}
			f, ok := cooler.MatchAnyFamily(name, uuids)
			if !ok {
				return cooler.DeviceIdentity{}, false
			}
			return cooler.DeviceIdentity{Family: f.Tag, Label: name}, true
		},
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Connectivity.ScanTimeout)
	defer cancel()

	fmt.Printf("Scanning for accessories (timeout %s)...\n", cfg.Connectivity.ScanTimeout)
	hit, err := transport.Scan(ctx, filter)
	if err != nil {
		return fmt.Errorf("no accessory found: %w", err)
	}

	fmt.Printf("Found accessory:\n")
	fmt.Printf("  Name:    %s\n", hit.Identity.Label)
	fmt.Printf("  Family:  %s\n", hit.Identity.Family)
	fmt.Printf("  Address: %s\n", hit.Identity.Address)
	if hit.RSSI != 0 {
		fmt.Printf("  RSSI:    %d dBm\n", hit.RSSI)
	}
	return nil
}
