// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable, versioned configuration. The router takes the
// access rules and limits compiled from one snapshot at the start of a
// request and keeps them until it completes.
type Snapshot struct {
	Config   *Config
	Version  uint64
	LoadedAt time.Time
}

// Store holds the active snapshot. Readers never block; a reload swaps the
// whole snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore publishes cfg as version 1.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.Publish(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish installs cfg as the next snapshot version and returns it.
func (s *Store) Publish(cfg *Config) *Snapshot {
	snap := &Snapshot{
		Config:   cfg,
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
	}
	s.current.Store(snap)
	return snap
}
