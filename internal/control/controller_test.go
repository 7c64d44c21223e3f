// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package control

import (
	"testing"
	"time"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
)

func snapAt(tempC float64, recommended int) thermal.Snapshot {
	return thermal.Snapshot{
		MaxTemp:     tempC,
		Recommended: recommended,
		Severity:    thermal.DefaultThresholds().Severity(tempC),
	}
}

func TestDecide_RampUpPacing(t *testing.T) {
	tuning := DefaultTuning()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Timestamps far enough in the past that the first step fires at T.
	st := State{
		LastApplied:    20,
		LastStepAt:     start.Add(-time.Minute),
		LastIncreaseAt: start.Add(-time.Minute),
	}
	snap := snapAt(52, 80) // hot but below emergency, target 80

	// Tick every 5 seconds for 3 minutes and record when each step lands.
	gate := tuning.StepDwell // both gates must pass; dwell is the longer
	wantSteps := []struct {
		speed      int
		notBefore  time.Duration
		mustHaveBy time.Duration
	}{
		{35, 0, 0},
		{50, gate, gate},
		{65, 2 * gate, 2 * gate},
		{80, 3 * gate, 3 * gate},
	}

	reached := make(map[int]time.Duration)
	for elapsed := time.Duration(0); elapsed <= 3*time.Minute; elapsed += 5 * time.Second {
		now := start.Add(elapsed)
		var speed int
		speed, st = tuning.Decide(snap, st, now)
		if _, seen := reached[speed]; !seen {
			reached[speed] = elapsed
		}
		if speed != st.LastApplied {
			t.Fatalf("returned speed %d disagrees with state %d", speed, st.LastApplied)
		}
	}

	for _, ws := range wantSteps {
		at, ok := reached[ws.speed]
		if !ok {
			t.Fatalf("never reached %d%%; progression: %v", ws.speed, reached)
		}
		if at < ws.notBefore {
			t.Errorf("reached %d%% at +%s, before the %s gate", ws.speed, at, ws.notBefore)
		}
		if at > ws.mustHaveBy {
			t.Errorf("reached %d%% at +%s, expected by +%s", ws.speed, at, ws.mustHaveBy)
		}
	}

	// Ramp pacing lower bound from the increase delay: 4 steps of 15
	// from 20 to 80 cannot complete before ceil(60/15)*20s.
	minTotal := time.Duration((80-20+tuning.StepPercent-1)/tuning.StepPercent) * tuning.IncreaseDelay
	if reached[80] < minTotal {
		t.Errorf("reached 80%% at +%s, faster than the %s pacing bound", reached[80], minTotal)
	}
}

func TestDecide_EmergencyBypassesRamping(t *testing.T) {
	tuning := DefaultTuning()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Fresh timestamps would normally block any increase.
	st := State{LastApplied: 10, LastStepAt: now, LastIncreaseAt: now}

	speed, st2 := tuning.Decide(snapAt(61, 100), st, now.Add(time.Second))
	if speed != 100 {
		t.Fatalf("emergency decision = %d%%, want 100%% immediately", speed)
	}
	if st2.LastApplied != 100 {
		t.Errorf("state not updated on emergency: %+v", st2)
	}
}

func TestDecide_RampDownImmediateAboveThreshold(t *testing.T) {
	tuning := DefaultTuning()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := State{LastApplied: 80, LastStepAt: now, LastIncreaseAt: now}

	// Down moves are not step-limited and not dwell-gated.
	speed, _ := tuning.Decide(snapAt(30, 0), st, now.Add(time.Second))
	if speed != 0 {
		t.Errorf("ramp down = %d%%, want immediate drop to 0%%", speed)
	}
}

func TestDecide_DeadBand(t *testing.T) {
	tuning := DefaultTuning()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := State{LastApplied: 50, LastStepAt: now.Add(-time.Minute), LastIncreaseAt: now.Add(-time.Minute)}

	tests := []struct {
		name   string
		target int
		want   int
	}{
		{"small drop ignored", 45, 50},
		{"small rise ignored", 55, 50},
		{"nine points below ignored", 41, 50},
		{"ten points below acts", 40, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speed, _ := tuning.Decide(snapAt(45, tt.target), st, now)
			if speed != tt.want {
				t.Errorf("Decide(target=%d) = %d, want %d", tt.target, speed, tt.want)
			}
		})
	}
}

func TestDecide_HoldDoesNotTouchTimestamps(t *testing.T) {
	tuning := DefaultTuning()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := State{LastApplied: 50, LastStepAt: now.Add(-5 * time.Second), LastIncreaseAt: now.Add(-5 * time.Second)}

	_, st2 := tuning.Decide(snapAt(45, 52), st, now)
	if st2 != st {
		t.Errorf("hold mutated state: %+v -> %+v", st, st2)
	}
}

func TestDecide_SpeedStaysInRange(t *testing.T) {
	tuning := DefaultTuning()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := State{LastApplied: 90, LastStepAt: now.Add(-time.Minute), LastIncreaseAt: now.Add(-time.Minute)}

	// A full step would overshoot 100; it must cap at the target.
	speed, _ := tuning.Decide(snapAt(58, 100), st, now)
	if speed != 100 {
		t.Errorf("capped step = %d, want 100", speed)
	}
}

func TestTickInterval(t *testing.T) {
	if TickInterval(thermal.SeverityCritical) != 5*time.Second {
		t.Error("critical tick should be 5s")
	}
	if TickInterval(thermal.SeveritySafe) != 45*time.Second {
		t.Error("safe tick should be 45s")
	}
	// Hotter severities never tick slower.
	prev := TickInterval(thermal.SeverityCritical)
	for _, sev := range []thermal.Severity{thermal.SeverityHot, thermal.SeverityWarm, thermal.SeveritySafe} {
		cur := TickInterval(sev)
		if cur < prev {
			t.Errorf("tick interval shrank from %s to %s as severity eased", prev, cur)
		}
		prev = cur
	}
}
