// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package thermal

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
)

// sensorReadFn matches host.SensorsTemperaturesWithContext so tests can
// substitute canned sensor sets.
type sensorReadFn func(ctx context.Context) ([]host.TemperatureStat, error)

// Sampler produces one Snapshot per call from whatever host sensors are
// available. It is stateless between calls and safe for concurrent use.
type Sampler struct {
	thresholds Thresholds
	timeout    time.Duration
	read       sensorReadFn
	log        zerolog.Logger
}

// NewSampler builds a sampler over the host's sensor set.
func NewSampler(th Thresholds, timeout time.Duration, log zerolog.Logger) *Sampler {
	return &Sampler{
		thresholds: th,
		timeout:    timeout,
		read:       host.SensorsTemperaturesWithContext,
		log:        log.With().Str("component", "thermal").Logger(),
	}
}

// Sample reads the host sensors and classifies the result. Sensor
// absence is not an error: sources that do not report simply contribute
// nothing. The read is bounded by the configured timeout so a stuck
// sensor cannot stall the control loop.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	readings := make(map[Source]float64)
	stats, err := s.read(ctx)
	if err != nil {
		// Partial results still count; gopsutil reports per-sensor
		// failures alongside whatever it could read.
		s.log.Debug().Err(err).Msg("sensor read incomplete")
	}
	for _, stat := range stats {
		src, ok := classifySensor(stat.SensorKey)
		if !ok || stat.Temperature <= 0 {
			continue
		}
		// Keep the hottest reading per source; hosts expose one sensor
		// per core or zone.
		if cur, seen := readings[src]; !seen || stat.Temperature > cur {
			readings[src] = stat.Temperature
		}
	}

	return buildSnapshot(readings, s.thresholds, time.Now())
}

// Thresholds returns the sampler's band boundaries.
func (s *Sampler) Thresholds() Thresholds {
	return s.thresholds
}

// classifySensor maps a host sensor key onto one of the control loop's
// temperature sources by name keywords.
func classifySensor(key string) (Source, bool) {
	k := strings.ToLower(key)
	switch {
	case containsAny(k, "gpu", "nvidia", "amdgpu", "radeon"):
		return SourceGPU, true
	case containsAny(k, "cpu", "core", "coretemp", "k10temp", "package", "soc"):
		return SourceCPU, true
	case containsAny(k, "skin", "chassis", "case", "acpitz"):
		return SourceSkin, true
	case containsAny(k, "ambient", "board"):
		return SourceAmbient, true
	case containsAny(k, "battery", "bat0", "bat1"):
		return SourceBattery, true
	default:
		return "", false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
