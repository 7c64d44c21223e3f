// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package cooler

// Effect is one of the accessory's closed set of RGB light effects.
type Effect uint8

// Light effects and their wire codes.
const (
	EffectColorful         Effect = 0x01
	EffectBreathMultiColor Effect = 0x02
	EffectBreathSingle     Effect = 0x03
	EffectAlwaysOn         Effect = 0x04
)

// String returns the effect name used in logs and the profile file.
func (e Effect) String() string {
	switch e {
	case EffectColorful:
		return "colorful"
	case EffectBreathMultiColor:
		return "breath-multi"
	case EffectBreathSingle:
		return "breath-single"
	case EffectAlwaysOn:
		return "always-on"
	default:
		return "unknown"
	}
}

// ParseEffect maps an effect name back to its wire code. Unknown names
// fall back to EffectAlwaysOn, keeping the codec total.
func ParseEffect(name string) Effect {
	switch name {
	case "colorful":
		return EffectColorful
	case "breath-multi":
		return EffectBreathMultiColor
	case "breath-single":
		return EffectBreathSingle
	default:
		return EffectAlwaysOn
	}
}

// EncodeSpeed maps a logical fan speed in percent onto the accessory's
// raw actuation range. Input is clamped to [0,100] first, so the
// function is total.
func EncodeSpeed(percent int) byte {
	p := clampInt(percent, 0, SpeedPercentMax)
	span := RawSpeedMax - RawSpeedMin
	// Round half up to keep the mapping monotonic and consistent with
	// DecodeSpeed.
	return byte(RawSpeedMin + (p*span+SpeedPercentMax/2)/SpeedPercentMax)
}

// DecodeSpeed maps a raw accessory byte back onto the logical percent
// scale. Raw values outside the actuation range clamp to the nearest
// endpoint. The round trip DecodeSpeed(EncodeSpeed(p)) is within ±1 of p;
// the raw range is narrower than 0-100 at byte granularity, so exact
// inversion is not possible for every input.
func DecodeSpeed(raw byte) int {
	r := clampInt(int(raw), RawSpeedMin, RawSpeedMax)
	span := RawSpeedMax - RawSpeedMin
	return ((r-RawSpeedMin)*SpeedPercentMax + span/2) / span
}

// EncodeLight builds the 4-byte light channel payload
// [effectCode, r, g, b]. Color channels are already byte-ranged; the
// effect code passes through unchanged so firmware-newer effects can be
// driven by config without a codec change.
func EncodeLight(effect Effect, r, g, b uint8) [4]byte {
	return [4]byte{byte(effect), r, g, b}
}

// EncodeMode builds the 1-byte mode channel payload.
func EncodeMode(mode byte) [1]byte {
	return [1]byte{mode}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
