// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package loop runs the control cycle: sample host thermals, decide a
// stabilized fan speed, encode it and hand it to the connection machine.
// The cadence adapts to the thermal severity.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/control"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/profile"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// Sampler produces thermal snapshots. Satisfied by *thermal.Sampler.
type Sampler interface {
	Sample(ctx context.Context) thermal.Snapshot
}

// Sink is the write side of the connection machine. Commands issued
// while no session is ready are dropped, not queued; the next tick acts
// on fresher data.
type Sink interface {
	Ready() bool
	Status() conn.Status
	WriteSpeed(raw byte) error
}

// Loop owns the periodic control cycle and the controller state.
type Loop struct {
	sampler Sampler
	tuning  control.Tuning
	sink    Sink
	store   *profile.Store // nil disables persistence
	log     zerolog.Logger

	mu    sync.RWMutex
	st    control.State
	stGen uint64 // bumped on out-of-band state writes
	snap  thermal.Snapshot
	prof  profile.Profile
	auto  bool

	failedLogged bool
}

// New builds a loop resuming from the given persisted profile.
func New(sampler Sampler, tuning control.Tuning, sink Sink, store *profile.Store, prof profile.Profile, log zerolog.Logger) *Loop {
	return &Loop{
		sampler: sampler,
		tuning:  tuning,
		sink:    sink,
		store:   store,
		prof:    prof,
		auto:    prof.AutoMode,
		st:      control.State{LastApplied: prof.LastSpeedPercent},
		log:     log.With().Str("component", "loop").Logger(),
	}
}

// Run executes control cycles until the context ends. The first tick
// fires immediately so a fresh session is not left at its power-on
// speed for a full interval.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(l.tick(ctx))
		}
	}
}

// tick runs one control cycle and returns the wait until the next.
func (l *Loop) tick(ctx context.Context) time.Duration {
	snap := l.sampler.Sample(ctx)

	l.mu.Lock()
	l.snap = snap
	auto := l.auto
	st := l.st
	gen := l.stGen
	l.mu.Unlock()

	interval := control.TickInterval(snap.Severity)

	if !auto {
		return interval
	}

	status := l.sink.Status()
	if status.State == conn.StateFailed {
		if !l.failedLogged {
			l.log.Error().Str("reason", status.Reason.String()).Msg("connection failed terminally, auto control suspended")
			l.failedLogged = true
		}
		return interval
	}
	l.failedLogged = false

	if !l.sink.Ready() {
		l.log.Debug().Str("state", status.State.String()).Msg("no session, skipping cycle")
		return interval
	}

	speed, next := l.tuning.Decide(snap, st, time.Now())
	if next.LastApplied == st.LastApplied {
		return interval
	}

	if err := l.sink.WriteSpeed(cooler.EncodeSpeed(speed)); err != nil {
		// Keep the old state; the speed was never actuated.
		l.log.Warn().Err(err).Int("speed", speed).Msg("speed write dropped")
		return interval
	}

	l.log.Info().
		Int("speed", speed).
		Float64("temp", snap.MaxTemp).
		Str("source", string(snap.MaxSource)).
		Str("severity", snap.Severity.String()).
		Msg("fan speed applied")

	l.mu.Lock()
	// A manual command may have replaced the state while Decide and the
	// write ran unlocked; its record of reality wins over this tick's.
	if l.stGen == gen {
		l.st = next
		l.prof.LastSpeedPercent = speed
	}
	prof := l.prof
	l.mu.Unlock()

	l.persist(prof)
	return interval
}

// SetAuto toggles automatic control. Disabling leaves the fan at its
// current speed for manual commands.
func (l *Loop) SetAuto(enabled bool) {
	l.mu.Lock()
	l.auto = enabled
	l.prof.AutoMode = enabled
	prof := l.prof
	l.mu.Unlock()
	l.persist(prof)
	l.log.Info().Bool("auto", enabled).Msg("auto control toggled")
}

// Auto reports whether automatic control is active.
func (l *Loop) Auto() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.auto
}

// NoteManualSpeed records a speed applied outside the loop so that a
// later ramp starts from reality instead of a stale value.
func (l *Loop) NoteManualSpeed(percent int) {
	now := time.Now()
	l.mu.Lock()
	l.st = control.State{LastApplied: percent, LastStepAt: now, LastIncreaseAt: now}
	l.stGen++
	l.prof.LastSpeedPercent = percent
	prof := l.prof
	l.mu.Unlock()
	l.persist(prof)
}

// NoteLight records a light setting for persistence.
func (l *Loop) NoteLight(effect string, r, g, b uint8) {
	l.mu.Lock()
	l.prof.Light = profile.LightProfile{Effect: effect, R: r, G: g, B: b}
	prof := l.prof
	l.mu.Unlock()
	l.persist(prof)
}

// NoteIdentity records the connected device for the next restart.
func (l *Loop) NoteIdentity(family, address, label string) {
	l.mu.Lock()
	l.prof.Family = family
	l.prof.Address = address
	l.prof.Label = label
	prof := l.prof
	l.mu.Unlock()
	l.persist(prof)
}

// Snapshot returns the latest thermal snapshot.
func (l *Loop) Snapshot() thermal.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Applied returns the last applied speed percent.
func (l *Loop) Applied() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.LastApplied
}

func (l *Loop) persist(p profile.Profile) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(p); err != nil {
		l.log.Warn().Err(err).Msg("profile save failed")
	}
}
