// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const (
	redisPingTimeout  = 5 * time.Second
	redisStatsTimeout = 2 * time.Second
	redisScanCount    = 500
)

// RedisStore keeps entries in Redis so several gateway replicas share one
// cache. Each entry lives under <prefix>entry:<fingerprint> with a native TTL;
// <prefix>backend:<name> is a set of the fingerprints a backend produced,
// used by Invalidate.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	opts       options
	metrics    *storeMetrics

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to cfg.Redis.URL and verifies the connection.
func NewRedisStore(cfg Config, opts ...Option) (*RedisStore, error) {
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisStoreWithClient(client, cfg, opts...), nil
}

func newRedisStoreWithClient(client *redis.Client, cfg Config, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger.Debugw("redis cache initialized", "key_prefix", prefix, "default_ttl", ttl)

	return &RedisStore{
		client:     client,
		keyPrefix:  prefix,
		defaultTTL: ttl,
		opts:       o,
		metrics:    newStoreMetrics(o.meterProvider, ProviderRedis),
	}
}

func (s *RedisStore) entryKey(fp Fingerprint) string {
	return s.keyPrefix + "entry:" + string(fp)
}

func (s *RedisStore) backendKey(backend string) string {
	return s.keyPrefix + "backend:" + backend
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, fp Fingerprint) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.recordMiss(ctx)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as absent and removed.
		_ = s.client.Del(ctx, s.entryKey(fp)).Err()
		s.recordMiss(ctx)
		return nil, ErrCacheMiss
	}
	// Redis expiry has millisecond precision and its own clock.
	if entry.Expired(s.opts.now()) {
		s.recordMiss(ctx)
		return nil, ErrCacheMiss
	}

	s.hits.Add(1)
	s.metrics.hit(ctx)
	return &entry, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, fp Fingerprint, backend string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.opts.now()
	raw, err := json.Marshal(Entry{
		Fingerprint: fp,
		Backend:     backend,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(fp), raw, ttl)
		pipe.SAdd(ctx, s.backendKey(backend), string(fp))
		// Refreshed on every put so the index lives as long as its newest entry.
		pipe.Expire(ctx, s.backendKey(backend), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (s *RedisStore) Invalidate(ctx context.Context, backend string) (int, error) {
	fps, err := s.client.SMembers(ctx, s.backendKey(backend)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis invalidate %s: %w", backend, err)
	}

	keys := make([]string, 0, len(fps)+1)
	for _, fp := range fps {
		keys = append(keys, s.entryKey(Fingerprint(fp)))
	}
	removed := 0
	if len(keys) > 0 {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("redis invalidate %s: %w", backend, err)
		}
		removed = int(n)
	}
	if err := s.client.Del(ctx, s.backendKey(backend)).Err(); err != nil {
		return removed, fmt.Errorf("redis invalidate %s: %w", backend, err)
	}
	return removed, nil
}

// Purge implements Store. It only touches keys under the store's prefix.
func (s *RedisStore) Purge(ctx context.Context) (int, error) {
	removed := 0
	entryPrefix := s.entryKey("")
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", redisScanCount).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis purge: %w", err)
	}
	for _, key := range batch {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("redis purge: %w", err)
		}
		if n > 0 && strings.HasPrefix(key, entryPrefix) {
			removed++
		}
	}
	return removed, nil
}

// Stats implements Store. Size counts live entries under the prefix and is
// best effort.
func (s *RedisStore) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisStatsTimeout)
	defer cancel()

	size := 0
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"entry:*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		size++
	}
	if err := iter.Err(); err != nil {
		logger.Debugf("Failed to count redis cache entries: %v", err)
	}

	return Stats{
		Provider: ProviderRedis,
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Size:     size,
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordMiss(ctx context.Context) {
	s.misses.Add(1)
	s.metrics.miss(ctx)
}
