// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito
//
// redmagic-cooler - RedMagic cooling accessory control daemon
//
// Keeps a RedMagic BLE cooling accessory connected and matched to the
// host's thermal load.

package main

import (
	"os"

	"github.com/Hitomatito/RedmagicCooler-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
