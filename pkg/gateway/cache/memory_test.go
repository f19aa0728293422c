// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(t *testing.T, cfg Config, clock *fakeClock) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(cfg, WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_TTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := newTestMemoryStore(t, Config{}, clock)

	payload := []byte(`{"content":[{"type":"text","text":"hello"}]}`)
	require.NoError(t, s.Put(ctx, "fp", "filesystem", payload, 300*time.Second))

	entry, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, payload, entry.Payload)

	clock.Advance(299 * time.Second)
	entry, err = s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, payload, entry.Payload)

	clock.Advance(time.Second)
	entry, err = s.Get(ctx, "fp")
	require.NoError(t, err, "entry must still be live exactly at its expiry instant")
	assert.Equal(t, payload, entry.Payload)

	clock.Advance(time.Nanosecond)
	_, err = s.Get(ctx, "fp")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size, "expired entry is dropped on read")
}

func TestMemoryStore_DefaultTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := newTestMemoryStore(t, Config{DefaultTTL: time.Minute}, clock)

	require.NoError(t, s.Put(ctx, "fp", "b", []byte("x"), 0))
	entry, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), entry.ExpiresAt)
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := newTestMemoryStore(t, Config{MaxEntries: 3}, clock)

	for _, fp := range []Fingerprint{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, fp, "backend", []byte(fp), time.Hour))
	}

	// Touch "a" so "b" becomes the least recently used entry.
	_, err := s.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "d", "backend", []byte("d"), time.Hour))

	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	for _, fp := range []Fingerprint{"a", "c", "d"} {
		_, err := s.Get(ctx, fp)
		assert.NoError(t, err, "expected %s to survive", fp)
	}

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 3, stats.MaxSize)
}

func TestMemoryStore_OverwriteDoesNotEvict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestMemoryStore(t, Config{MaxEntries: 2}, newFakeClock())

	require.NoError(t, s.Put(ctx, "a", "x", []byte("1"), time.Hour))
	require.NoError(t, s.Put(ctx, "b", "x", []byte("2"), time.Hour))
	require.NoError(t, s.Put(ctx, "a", "y", []byte("3"), time.Hour))

	entry, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), entry.Payload)
	assert.Equal(t, int64(0), s.Stats().Evictions)

	// The overwrite moved "a" to backend y.
	n, err := s.Invalidate(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryStore_Invalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestMemoryStore(t, Config{}, newFakeClock())

	for i := range 5 {
		require.NoError(t, s.Put(ctx, Fingerprint(fmt.Sprintf("w%d", i)), "weather", []byte("w"), time.Hour))
	}
	require.NoError(t, s.Put(ctx, "f0", "filesystem", []byte("f"), time.Hour))

	n, err := s.Invalidate(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = s.Get(ctx, "w0")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = s.Get(ctx, "f0")
	assert.NoError(t, err)

	n, err = s.Invalidate(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, s.Stats().Size)
}

func TestMemoryStore_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := newTestMemoryStore(t, Config{}, clock)

	require.NoError(t, s.Put(ctx, "short", "b", []byte("1"), time.Second))
	require.NoError(t, s.Put(ctx, "long", "b", []byte("2"), time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.sweep())
	assert.Equal(t, 1, s.Stats().Size)
}

func TestMemoryStore_SweepLoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(Config{SweepInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(ctx, "fp", "b", []byte("1"), 20*time.Millisecond))

	require.Eventually(t, func() bool {
		return s.Stats().Size == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Close is idempotent.
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestMemoryStore(t, Config{MaxEntries: 50}, newFakeClock())

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				fp := Fingerprint(fmt.Sprintf("k%d", (w*200+i)%80))
				_ = s.Put(ctx, fp, fmt.Sprintf("b%d", w%3), []byte("v"), time.Hour)
				_, _ = s.Get(ctx, fp)
				if i%50 == 0 {
					_, _ = s.Invalidate(ctx, "b1")
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Stats().Size, 50)
}

func TestStats_HitRate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Stats{}.HitRate())
	assert.InDelta(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRate(), 1e-9)
}
