// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package cooler implements the wire protocol of the RedMagic family of
// BLE thermal-management accessories ("ice docks").
//
// The accessory exposes a single command service with fixed-size raw-byte
// characteristics: a 1-byte fan speed channel, a 4-byte RGB light channel,
// a 1-byte mode channel, and a notify channel that pushes live temperature
// and speed-echo frames. This package provides the pure intent-to-bytes
// codec, the device family/advertisement validation table, and parsing of
// accessory notifications. It holds no state and performs no I/O.
package cooler

// Logical and raw speed ranges.
//
// The user-facing scale is 0-100 percent. The accessory actuates on a
// narrower raw byte range, observed empirically on the gen-5 and gen-6
// docks; values below RawSpeedMin stall the fan.
const (
	SpeedPercentMax = 100

	RawSpeedMin = 40
	RawSpeedMax = 200
)

// GATT channel UUIDs for the command service.
//
// All generations observed so far share the same channel layout and only
// differ in advertisement contents.
const (
	CommandServiceUUID = "0000f1f0-0000-1000-8000-00805f9b34fb"
	SpeedCharUUID      = "0000f1f1-0000-1000-8000-00805f9b34fb"
	LightCharUUID      = "0000f1f2-0000-1000-8000-00805f9b34fb"
	ModeCharUUID       = "0000f1f3-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID     = "0000f1f4-0000-1000-8000-00805f9b34fb"
)

// ModeManualHandover is the single byte written to the mode channel to
// request that the accessory hand fan control over to the host.
const ModeManualHandover = 0x01

// Notification frame type markers (first byte of a notify payload).
const (
	notifyTemperature = 0xA1
	notifySpeedEcho   = 0xA2
)

// Channel identifies one write/notify endpoint on the accessory.
type Channel uint8

// Command channels.
const (
	ChannelSpeed Channel = iota
	ChannelLight
	ChannelMode
	ChannelNotify
)

// String returns the channel name used in logs.
func (c Channel) String() string {
	switch c {
	case ChannelSpeed:
		return "speed"
	case ChannelLight:
		return "light"
	case ChannelMode:
		return "mode"
	case ChannelNotify:
		return "notify"
	default:
		return "unknown"
	}
}
