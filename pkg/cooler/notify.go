// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package cooler

import (
	"errors"
	"fmt"
)

// NotificationKind tags a parsed accessory notification.
type NotificationKind uint8

// Notification kinds pushed on the notify channel.
const (
	NotifyTemperature NotificationKind = iota
	NotifySpeedEcho
)

// ErrShortNotification is returned for payloads too small to carry a
// frame marker plus value.
var ErrShortNotification = errors.New("cooler: notification payload too short")

// Notification is one decoded push from the accessory's notify channel.
// Temperature frames report the accessory-side sensor in degrees C;
// speed-echo frames report the raw actuation byte currently applied.
type Notification struct {
	Kind NotificationKind

	TempC        float64 // valid when Kind == NotifyTemperature
	SpeedPercent int     // valid when Kind == NotifySpeedEcho
}

// ParseNotification decodes a notify-channel payload. Temperature frames
// are [0xA1, whole, tenths]; speed echoes are [0xA2, raw]. Unknown
// markers are an error so callers can count protocol drift without
// acting on garbage.
func ParseNotification(payload []byte) (Notification, error) {
	if len(payload) < 2 {
		return Notification{}, ErrShortNotification
	}
	switch payload[0] {
	case notifyTemperature:
		if len(payload) < 3 {
			return Notification{}, ErrShortNotification
		}
		return Notification{
			Kind:  NotifyTemperature,
			TempC: float64(payload[1]) + float64(payload[2])/10,
		}, nil
	case notifySpeedEcho:
		return Notification{
			Kind:         NotifySpeedEcho,
			SpeedPercent: DecodeSpeed(payload[1]),
		}, nil
	default:
		return Notification{}, fmt.Errorf("cooler: unknown notification marker 0x%02X", payload[0])
	}
}
