// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

// Package cmd wires the CLI: the long-running control daemon plus
// one-shot scan, speed and light commands and a live monitor TUI.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/config"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn/ble"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn/bridge"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

var (
	cfgPath  string
	logLevel string

	// Transport flags; unset values fall back to the config file.
	transportKind string
	portName      string
	baudRate      int
	wsURL         string

	// Device selection flags
	deviceFamily  string
	deviceAddress string
)

var rootCmd = &cobra.Command{
	Use:   "redmagic-cooler",
	Short: "Thermal control daemon for RedMagic cooling accessories",
	Long: `redmagic-cooler drives a RedMagic BLE cooling accessory from host
thermal sensors: it samples temperatures, decides a stabilized fan speed
and keeps the accessory connected across drops and range loss.

Connection modes:
  BLE:       the default; scans for a known accessory generation
  Serial:    --transport serial --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --transport ws --url ws://host/path

Serial and WebSocket reach a wired debug rig or simulator speaking the
same command channels as the accessory.`,
	Version: "1.2.0",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (trace|debug|info|warn|error)")

	pf.StringVarP(&transportKind, "transport", "t", "", "Transport kind (ble|serial|ws)")
	pf.StringVarP(&portName, "port", "p", "", "Serial port device (serial only)")
	pf.IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")

	pf.StringVar(&deviceFamily, "family", "", "Accessory family tag (rm4pro|rm5pro|rm6pro), empty = any")
	pf.StringVarP(&deviceAddress, "address", "a", "", "Known accessory address, skips scanning")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if transportKind != "" {
		cfg.Transport.Kind = transportKind
	}
	if portName != "" {
		cfg.Transport.SerialPort = portName
	}
	if baudRate != 0 {
		cfg.Transport.BaudRate = baudRate
	}
	if wsURL != "" {
		cfg.Transport.URL = wsURL
	}
	if deviceFamily != "" {
		cfg.Device.Family = deviceFamily
	}
	if deviceAddress != "" {
		cfg.Device.Address = deviceAddress
	}
	return cfg, nil
}

// newLogger builds the process logger writing to stderr, so command
// output on stdout stays machine-readable.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// buildTransport constructs the configured transport. The rig label for
// bridge transports defaults to a name the device table accepts.
func buildTransport(cfg *config.Config, log zerolog.Logger) (conn.Transport, error) {
	switch cfg.Transport.Kind {
	case "ble":
		return ble.NewTransport(log), nil
	case "serial":
		if cfg.Transport.SerialPort == "" {
			return nil, fmt.Errorf("serial transport needs --port")
		}
		return bridge.NewSerialTransport(cfg.Transport.SerialPort, cfg.Transport.BaudRate, rigLabel(cfg), log), nil
	case "ws":
		if cfg.Transport.URL == "" {
			return nil, fmt.Errorf("ws transport needs --url")
		}
		return bridge.NewWSTransport(cfg.Transport.URL, rigLabel(cfg), log), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// rigLabel synthesizes the identity a wired rig presents to device
// validation, pinned to the configured family when one is set.
func rigLabel(cfg *config.Config) string {
	switch cfg.Device.Family {
	case "rm4pro":
		return "RedMagic 4 Pro Rig"
	case "rm6pro":
		return "RedMagic 6 Pro Rig"
	default:
		return "RedMagic 5 Pro Rig"
	}
}

// machineOptions maps config onto connection machine options.
func machineOptions(cfg *config.Config, address string) (conn.Options, error) {
	var family cooler.Family
	if cfg.Device.Family != "" {
		f, ok := cooler.FamilyByTag(cfg.Device.Family)
		if !ok {
			return conn.Options{}, fmt.Errorf("unknown family tag %q", cfg.Device.Family)
		}
		family = f
	}
	return conn.Options{
		Family:            family,
		Address:           address,
		ScanTimeout:       cfg.Connectivity.ScanTimeout,
		ConnectTimeout:    cfg.Connectivity.ConnectTimeout,
		BackoffFloor:      cfg.Connectivity.BackoffFloor,
		BackoffCeiling:    cfg.Connectivity.BackoffCeiling,
		OutOfRangeWait:    cfg.Connectivity.OutOfRangeWait,
		MaxAttempts:       cfg.Connectivity.MaxAttempts,
		DailyTransientCap: cfg.Connectivity.DailyTransientCap,
		WriteRate:         cfg.Connectivity.WriteRateLimit,
		WriteBurst:        cfg.Connectivity.WriteBurst,
	}, nil
}
