// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// MemoryStore is an in-process LRU store with per-entry expiry.
//
// A single mutex guards the index and the recency list; every critical
// section is O(1) apart from Invalidate and the sweep.
type MemoryStore struct {
	maxEntries int
	defaultTTL time.Duration
	opts       options
	metrics    *storeMetrics

	mu        sync.Mutex
	items     map[Fingerprint]*list.Element
	recency   *list.List
	byBackend map[string]map[Fingerprint]struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	sweeperWg sync.WaitGroup
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store. A background sweep is started when
// cfg.SweepInterval is positive.
func NewMemoryStore(cfg Config, opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &MemoryStore{
		maxEntries: maxEntries,
		defaultTTL: ttl,
		opts:       o,
		metrics:    newStoreMetrics(o.meterProvider, ProviderMemory),
		items:      make(map[Fingerprint]*list.Element),
		recency:    list.New(),
		byBackend:  make(map[string]map[Fingerprint]struct{}),
		stopCh:     make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		s.sweeperWg.Add(1)
		go s.sweepLoop(cfg.SweepInterval)
	}

	logger.Debugw("memory cache initialized",
		"max_entries", maxEntries,
		"default_ttl", ttl,
		"sweep_interval", cfg.SweepInterval)

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, fp Fingerprint) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[fp]
	if !ok {
		s.recordMiss(ctx)
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*Entry)
	if entry.Expired(s.opts.now()) {
		s.removeElement(elem)
		s.recordMiss(ctx)
		return nil, ErrCacheMiss
	}

	s.recency.MoveToFront(elem)
	s.hits.Add(1)
	s.metrics.hit(ctx)
	return entry, nil
}

// Put implements Store. Once the store is full the least recently used
// entry is evicted before the new one is admitted.
func (s *MemoryStore) Put(ctx context.Context, fp Fingerprint, backend string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.opts.now()
	entry := &Entry{
		Fingerprint: fp,
		Backend:     backend,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[fp]; ok {
		old := elem.Value.(*Entry)
		if old.Backend != backend {
			s.unindex(old)
			s.index(entry)
		}
		elem.Value = entry
		s.recency.MoveToFront(elem)
		return nil
	}

	evicted := 0
	for s.recency.Len() >= s.maxEntries {
		oldest := s.recency.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
		evicted++
	}
	if evicted > 0 {
		s.evictions.Add(int64(evicted))
		s.metrics.evicted(ctx, evicted)
	}

	s.items[fp] = s.recency.PushFront(entry)
	s.index(entry)
	return nil
}

// Invalidate implements Store.
func (s *MemoryStore) Invalidate(_ context.Context, backend string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fps := s.byBackend[backend]
	removed := 0
	for fp := range fps {
		if elem, ok := s.items[fp]; ok {
			s.removeElement(elem)
			removed++
		}
	}
	delete(s.byBackend, backend)
	return removed, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.recency.Len()
	s.items = make(map[Fingerprint]*list.Element)
	s.recency.Init()
	s.byBackend = make(map[string]map[Fingerprint]struct{})
	return n, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	size := s.recency.Len()
	s.mu.Unlock()

	return Stats{
		Provider:  ProviderMemory,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      size,
		MaxSize:   s.maxEntries,
	}
}

// Close stops the sweep loop. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.sweeperWg.Wait()
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer s.sweeperWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				logger.Debugw("swept expired cache entries", "count", n)
			}
		}
	}
}

// sweep removes every expired entry and returns how many were dropped.
func (s *MemoryStore) sweep() int {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.recency.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).Expired(now) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (s *MemoryStore) recordMiss(ctx context.Context) {
	s.misses.Add(1)
	s.metrics.miss(ctx)
}

// removeElement must be called with mu held.
func (s *MemoryStore) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry)
	s.recency.Remove(elem)
	delete(s.items, entry.Fingerprint)
	s.unindex(entry)
}

func (s *MemoryStore) index(entry *Entry) {
	fps, ok := s.byBackend[entry.Backend]
	if !ok {
		fps = make(map[Fingerprint]struct{})
		s.byBackend[entry.Backend] = fps
	}
	fps[entry.Fingerprint] = struct{}{}
}

func (s *MemoryStore) unindex(entry *Entry) {
	fps, ok := s.byBackend[entry.Backend]
	if !ok {
		return
	}
	delete(fps, entry.Fingerprint)
	if len(fps) == 0 {
		delete(s.byBackend, entry.Backend)
	}
}
