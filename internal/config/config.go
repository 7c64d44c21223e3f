// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package config loads the daemon configuration from a YAML file and
// fills in defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Transport    TransportConfig    `yaml:"transport"`
	Device       DeviceConfig       `yaml:"device"`
	Thermal      ThermalConfig      `yaml:"thermal"`
	Controller   ControllerConfig   `yaml:"controller"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	API          APIConfig          `yaml:"api"`
	Profile      ProfileConfig      `yaml:"profile"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TransportConfig selects how the accessory is reached.
//
// "ble" drives a real accessory over Bluetooth LE. "serial" and "ws"
// speak the framed bridge protocol to a wired debug rig or a simulator,
// which is how the control stack is exercised on a desk without an
// accessory in range.
type TransportConfig struct {
	Kind string `yaml:"kind"` // ble | serial | ws

	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	URL string `yaml:"url"` // ws:// or wss:// endpoint for the ws bridge
}

// DeviceConfig selects the target accessory.
type DeviceConfig struct {
	Family      string `yaml:"family"`        // known family tag, empty = any
	Address     string `yaml:"address"`       // known MAC for the direct-connect fast path
	AutoScanAll bool   `yaml:"auto_scan_all"` // accept any known family
}

// ThermalConfig holds the severity thresholds and sampling bound.
type ThermalConfig struct {
	SafeC     float64 `yaml:"safe_c"`
	WarmC     float64 `yaml:"warm_c"`
	HotC      float64 `yaml:"hot_c"`
	CriticalC float64 `yaml:"critical_c"`

	SensorReadTimeout time.Duration `yaml:"sensor_read_timeout"`
}

// ControllerConfig holds the speed controller's ramping constants.
type ControllerConfig struct {
	StepPercent      int           `yaml:"step_percent"`
	MinChangePercent int           `yaml:"min_change_percent"`
	StepDwell        time.Duration `yaml:"step_dwell"`
	IncreaseDelay    time.Duration `yaml:"increase_delay"`
}

// ConnectivityConfig holds the state machine's timing and retry policy.
type ConnectivityConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	OutOfRangeWait time.Duration `yaml:"out_of_range_wait"`
	MaxAttempts    int           `yaml:"max_attempts"`

	DailyTransientCap int `yaml:"daily_transient_cap"`

	WriteRateLimit float64 `yaml:"write_rate_limit"` // writes per second
	WriteBurst     int     `yaml:"write_burst"`
}

// APIConfig controls the HTTP status/command surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ProfileConfig locates the persisted device profile.
type ProfileConfig struct {
	Path string `yaml:"path"` // empty = default under the user config dir
}

// Default returns the configuration used when no file overrides it.
// The thermal and controller constants are the conservative set; see
// thermal.DefaultThresholds for the band semantics.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Transport: TransportConfig{
			Kind:     "ble",
			BaudRate: 115200,
		},
		Device: DeviceConfig{AutoScanAll: true},
		Thermal: ThermalConfig{
			SafeC:             40,
			WarmC:             50,
			HotC:              55,
			CriticalC:         60,
			SensorReadTimeout: 2 * time.Second,
		},
		Controller: ControllerConfig{
			StepPercent:      15,
			MinChangePercent: 10,
			StepDwell:        30 * time.Second,
			IncreaseDelay:    20 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ScanTimeout:       20 * time.Second,
			ConnectTimeout:    15 * time.Second,
			BackoffFloor:      2 * time.Second,
			BackoffCeiling:    30 * time.Second,
			OutOfRangeWait:    60 * time.Second,
			MaxAttempts:       5,
			DailyTransientCap: 10,
			WriteRateLimit:    5,
			WriteBurst:        3,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8743",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error: the defaults run the common case.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "ble", "serial", "ws":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if !(c.Thermal.SafeC < c.Thermal.WarmC && c.Thermal.WarmC < c.Thermal.HotC && c.Thermal.HotC < c.Thermal.CriticalC) {
		return fmt.Errorf("thermal thresholds must be strictly increasing")
	}
	if c.Controller.StepPercent <= 0 || c.Controller.StepPercent > 100 {
		return fmt.Errorf("controller step_percent %d out of range", c.Controller.StepPercent)
	}
	if c.Connectivity.MaxAttempts <= 0 {
		return fmt.Errorf("connectivity max_attempts must be positive")
	}
	if c.Connectivity.BackoffFloor > c.Connectivity.BackoffCeiling {
		return fmt.Errorf("backoff floor exceeds ceiling")
	}
	return nil
}
