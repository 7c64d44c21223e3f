// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package control turns raw recommended fan speeds into stabilized,
// progressively ramped commands. The decision function is pure: given a
// thermal snapshot, the previous state and a clock reading it returns
// the new speed and state, and performs no I/O.
package control

import (
	"time"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
)

// Tuning holds the ramping constants.
type Tuning struct {
	// StepPercent is how far one ramp-up step may advance.
	StepPercent int
	// MinChangePercent is the smallest delta worth acting on; smaller
	// target moves are ignored to avoid chatter.
	MinChangePercent int
	// StepDwell is the minimum time since the last applied step before
	// another increase is allowed, giving the fan time to take effect.
	StepDwell time.Duration
	// IncreaseDelay is the minimum time since the last increase.
	IncreaseDelay time.Duration
	// EmergencyTempC bypasses all ramping at or above this temperature.
	EmergencyTempC float64
}

// DefaultTuning mirrors the accessory defaults: 15-point steps, 10-point
// dead band, 30s dwell, 20s increase spacing, emergency at 60°C.
func DefaultTuning() Tuning {
	return Tuning{
		StepPercent:      15,
		MinChangePercent: 10,
		StepDwell:        30 * time.Second,
		IncreaseDelay:    20 * time.Second,
		EmergencyTempC:   60,
	}
}

// State is the controller's bookkeeping between decisions. LastApplied
// stays in [0,100]; only Decide writes it.
type State struct {
	LastApplied    int
	LastStepAt     time.Time
	LastIncreaseAt time.Time
}

// Decide computes the speed to apply for this tick.
//
// Transition rules, in order:
//  1. Emergency: at or above the emergency temperature the target is
//     applied immediately. Thermal safety overrides stability.
//  2. Dead band: a target within MinChangePercent of the applied speed
//     leaves it unchanged.
//  3. Ramp up: advance by at most StepPercent toward the target, and
//     only once both StepDwell and IncreaseDelay have elapsed.
//  4. Ramp down: drop straight to the target. Cooling faster than we
//     heated is safe, so down-ramping is not step-limited.
func (t Tuning) Decide(snap thermal.Snapshot, st State, now time.Time) (int, State) {
	target := clamp(snap.Recommended, 0, 100)

	if snap.MaxTemp >= t.EmergencyTempC {
		if target != st.LastApplied {
			st = applied(st, target, now, target > st.LastApplied)
		}
		return st.LastApplied, st
	}

	delta := target - st.LastApplied
	if delta > -t.MinChangePercent && delta < t.MinChangePercent {
		return st.LastApplied, st
	}

	if delta > 0 {
		if now.Sub(st.LastStepAt) < t.StepDwell || now.Sub(st.LastIncreaseAt) < t.IncreaseDelay {
			return st.LastApplied, st
		}
		next := st.LastApplied + t.StepPercent
		if next > target {
			next = target
		}
		st = applied(st, next, now, true)
		return st.LastApplied, st
	}

	st = applied(st, target, now, false)
	return st.LastApplied, st
}

func applied(st State, speed int, now time.Time, increase bool) State {
	st.LastApplied = speed
	st.LastStepAt = now
	if increase {
		st.LastIncreaseAt = now
	}
	return st
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TickInterval adapts the control loop cadence to the current severity:
// tight while the device is hot, relaxed while safe, trading
// responsiveness against host power draw.
func TickInterval(sev thermal.Severity) time.Duration {
	switch sev {
	case thermal.SeverityCritical:
		return 5 * time.Second
	case thermal.SeverityHot:
		return 10 * time.Second
	case thermal.SeverityWarm:
		return 20 * time.Second
	default:
		return 45 * time.Second
	}
}
