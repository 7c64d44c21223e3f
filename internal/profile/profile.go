// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package profile persists the last known accessory state across daemon
// restarts: which device was paired, the last applied speed and the
// chosen light setting, so a restart resumes where the user left off.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Profile is the persisted device record. One file holds one device;
// re-pairing a different accessory overwrites it.
type Profile struct {
	Family  string `yaml:"family"`
	Address string `yaml:"address"`
	Label   string `yaml:"label"`

	LastSpeedPercent int  `yaml:"last_speed_percent"`
	AutoMode         bool `yaml:"auto_mode"`

	Light LightProfile `yaml:"light"`

	UpdatedAt time.Time `yaml:"updated_at"`
}

// LightProfile is the persisted RGB setting.
type LightProfile struct {
	Effect string `yaml:"effect"`
	R      uint8  `yaml:"r"`
	G      uint8  `yaml:"g"`
	B      uint8  `yaml:"b"`
}

// Store reads and writes the profile file. Saves are atomic so a crash
// mid-write never leaves a torn profile behind.
type Store struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

// NewStore builds a store at the given path; an empty path resolves to
// the default location under the user config directory.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("profile: resolve config dir: %w", err)
		}
		path = filepath.Join(base, "redmagic-cooler", "profile.yaml")
	}
	return &Store{
		path: path,
		log:  log.With().Str("component", "profile").Logger(),
	}, nil
}

// Path returns the resolved profile location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted profile. A missing file returns a zero
// profile; first runs have nothing to resume.
func (s *Store) Load() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{AutoMode: true}, nil
		}
		return Profile{}, fmt.Errorf("profile: read %s: %w", s.path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", s.path, err)
	}
	return p, nil
}

// Save writes the profile atomically (temp file plus rename).
func (s *Store) Save(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now()
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("profile: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.yaml")
	if err != nil {
		return fmt.Errorf("profile: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("profile: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("profile: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("profile: rename: %w", err)
	}
	s.log.Debug().Str("path", s.path).Msg("profile saved")
	return nil
}
