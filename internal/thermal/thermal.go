// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package thermal samples host temperature sources and classifies them
// into the severity bands that drive the fan controller.
package thermal

import "time"

// Source names one temperature input. Battery is the fallback of last
// resort: it lags real heat generation, so anything else that reports
// takes priority over it.
type Source string

// Temperature sources, best-effort except battery.
const (
	SourceBattery Source = "battery"
	SourceCPU     Source = "cpu"
	SourceGPU     Source = "gpu"
	SourceSkin    Source = "skin"
	SourceAmbient Source = "ambient"
)

// Severity classifies a snapshot's maximum temperature.
type Severity uint8

// Severity levels, ordered.
const (
	SeveritySafe Severity = iota
	SeverityWarm
	SeverityHot
	SeverityCritical
)

// String returns the severity name used in logs and the status API.
func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityWarm:
		return "warm"
	case SeverityHot:
		return "hot"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds are the band boundaries in degrees C. They must be strictly
// increasing; config validation enforces that before a sampler is built.
type Thresholds struct {
	SafeC     float64
	WarmC     float64
	HotC      float64
	CriticalC float64
}

// DefaultThresholds is the conservative constant set: Safe below 40,
// Warm [40,50), Hot [50,55), Critical at or above 55, with the emergency
// override firing at 60.
func DefaultThresholds() Thresholds {
	return Thresholds{SafeC: 40, WarmC: 50, HotC: 55, CriticalC: 60}
}

// Snapshot is one immutable sampling result. Produced fresh on every
// tick and never mutated.
type Snapshot struct {
	Taken    time.Time
	Readings map[Source]float64

	MaxTemp     float64
	MaxSource   Source
	Severity    Severity
	Recommended int // raw recommended speed percent, before stabilization
}

// Severity classifies a temperature against the thresholds.
func (t Thresholds) Severity(tempC float64) Severity {
	switch {
	case tempC < t.SafeC:
		return SeveritySafe
	case tempC < t.WarmC:
		return SeverityWarm
	case tempC < t.HotC:
		return SeverityHot
	default:
		return SeverityCritical
	}
}

// RecommendedSpeed maps a temperature onto the raw recommended speed
// percent. The curve is piecewise linear: off below SafeC, then 25-50
// across the warm band, 50-75 across the hot band and 75-100 up to
// CriticalC, pinned at 100 beyond. The bands join without jumps; the
// only step is the 0 to 25 activation at SafeC, the accessory's minimum
// useful speed. Total and non-decreasing in the temperature.
func (t Thresholds) RecommendedSpeed(tempC float64) int {
	switch {
	case tempC < t.SafeC:
		return 0
	case tempC < t.WarmC:
		return 25 + scale25(tempC, t.SafeC, t.WarmC)
	case tempC < t.HotC:
		return 50 + scale25(tempC, t.WarmC, t.HotC)
	case tempC < t.CriticalC:
		return 75 + scale25(tempC, t.HotC, t.CriticalC)
	default:
		return 100
	}
}

// scale25 maps tempC's position inside [lo,hi) onto 0..25.
func scale25(tempC, lo, hi float64) int {
	return int(25 * (tempC - lo) / (hi - lo))
}

// maxPriority orders sources for MaxTemp selection: GPU proxy first,
// then CPU proxy, then any other reporting source, battery last.
var maxPriority = []Source{SourceGPU, SourceCPU, SourceSkin, SourceAmbient, SourceBattery}

// buildSnapshot derives the snapshot fields from a set of readings.
func buildSnapshot(readings map[Source]float64, th Thresholds, now time.Time) Snapshot {
	snap := Snapshot{Taken: now, Readings: readings}
	for _, src := range maxPriority {
		if v, ok := readings[src]; ok {
			snap.MaxTemp = v
			snap.MaxSource = src
			break
		}
	}
	snap.Severity = th.Severity(snap.MaxTemp)
	snap.Recommended = th.RecommendedSpeed(snap.MaxTemp)
	return snap
}
