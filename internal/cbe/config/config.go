// Copyright 2026 The cbe Authors
// This file is part of the cbe library.
//
// The cbe library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cbe library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cbe library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the engine's two knobs from a TOML file, the same
// format go-ethereum's node configuration uses (naoina/toml).
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
)

// Config is the engine's external configuration surface (spec §6): two
// independent tick intervals and a diagnostic flag. Both intervals model
// distinct config keys (Open Question (a) in SPEC_FULL.md) rather than the
// original's accidental reuse of a single key for both.
type Config struct {
	SyncIntervalMS   uint64 `toml:"sync_interval"`
	SecureIntervalMS uint64 `toml:"secure_interval"`
	ShowProgress     bool   `toml:"show_progress"`
}

// SyncInterval returns the sync tick period, or 0 if disabled.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// SecureInterval returns the secure tick period, or 0 if disabled.
func (c Config) SecureInterval() time.Duration {
	return time.Duration(c.SecureIntervalMS) * time.Millisecond
}

// Load reads and parses a TOML config file.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
