// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the response cache used by the router for
// idempotent backend operations.
//
// Two stores are available: an in-process LRU bounded by entry count, and a
// Redis store that can be shared by several gateway replicas. Both honor a
// per-entry TTL and never return an entry past its expiry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned by Get when no live entry exists for a fingerprint.
var ErrCacheMiss = errors.New("cache miss")

// Provider selects a Store implementation.
type Provider string

const (
	// ProviderMemory keeps entries in process memory.
	ProviderMemory Provider = "memory"
	// ProviderRedis keeps entries in Redis.
	ProviderRedis Provider = "redis"
)

// Default limits.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 300 * time.Second
	DefaultKeyPrefix  = "mcp-gateway:"
)

// Entry is an immutable cached response.
type Entry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Backend     string      `json:"backend"`
	Payload     []byte      `json:"payload"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is a TTL-bounded fingerprint to payload store.
//
// Reads and writes are linearizable per fingerprint.
type Store interface {
	// Get returns the live entry for fp or ErrCacheMiss.
	Get(ctx context.Context, fp Fingerprint) (*Entry, error)

	// Put stores payload under fp for ttl. A non-positive ttl uses the
	// store's default.
	Put(ctx context.Context, fp Fingerprint, backend string, payload []byte, ttl time.Duration) error

	// Invalidate drops every entry produced by backend and returns how many
	// were removed.
	Invalidate(ctx context.Context, backend string) (int, error)

	// Purge drops every entry.
	Purge(ctx context.Context) (int, error)

	// Stats returns a point-in-time snapshot of the store counters.
	Stats() Stats

	// Close releases background resources.
	Close() error
}

// Stats are cache counters.
type Stats struct {
	Provider  Provider `json:"provider"`
	Hits      int64    `json:"hits"`
	Misses    int64    `json:"misses"`
	Evictions int64    `json:"evictions"`
	Size      int      `json:"size"`
	MaxSize   int      `json:"max_size,omitempty"`
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config configures New.
type Config struct {
	Provider   Provider
	DefaultTTL time.Duration

	// MaxEntries bounds the memory store. Redis capacity is governed by the
	// server's maxmemory policy.
	MaxEntries int

	// SweepInterval enables a background purge of expired memory entries.
	// Zero relies on lazy expiry alone.
	SweepInterval time.Duration

	Redis RedisConfig
}

// RedisConfig addresses the Redis store.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// New builds the Store selected by cfg.Provider.
func New(cfg Config, opts ...Option) (Store, error) {
	switch cfg.Provider {
	case "", ProviderMemory:
		return NewMemoryStore(cfg, opts...), nil
	case ProviderRedis:
		return NewRedisStore(cfg, opts...)
	default:
		return nil, fmt.Errorf("unsupported cache provider %q", cfg.Provider)
	}
}
