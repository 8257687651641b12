// Package store provides the in-memory option chain cache and the
// read-only sqlite schedule oracle.
package store

import (
	"container/list"
	"sync"
	"time"

	"chainstream/internal/models"
)

// ChainStoreConfig holds cache configuration.
type ChainStoreConfig struct {
	// TTL is how long a snapshot is considered fresh. Expired reads
	// return the snapshot marked stale rather than empty.
	TTL time.Duration
	// MaxUnderlyings bounds the tracked-underlying count; least
	// recently used entries are evicted beyond it.
	MaxUnderlyings int
}

// DefaultChainStoreConfig returns the default cache configuration.
func DefaultChainStoreConfig() ChainStoreConfig {
	return ChainStoreConfig{
		TTL:            30 * time.Second,
		MaxUnderlyings: 8,
	}
}

// entry is the per-underlying cache cell. Each entry has its own lock so
// cross-key operations never block each other.
type entry struct {
	mu       sync.RWMutex
	snapshot models.OptionChainSnapshot
	element  *list.Element
}

// ChainStore caches the latest OptionChainSnapshot per underlying and
// the latest DepthSnapshot per symbol. Snapshots are published
// atomically; readers never observe a partial update.
type ChainStore struct {
	cfg ChainStoreConfig

	mu       sync.RWMutex
	entries  map[string]*entry
	lru      *list.List // front = most recent, values are underlying names
	depth    map[string]models.DepthSnapshot
	degraded bool
	now      func() time.Time
}

// NewChainStore creates a chain store with the given configuration.
func NewChainStore(cfg ChainStoreConfig) *ChainStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultChainStoreConfig().TTL
	}
	if cfg.MaxUnderlyings <= 0 {
		cfg.MaxUnderlyings = DefaultChainStoreConfig().MaxUnderlyings
	}
	return &ChainStore{
		cfg:     cfg,
		entries: make(map[string]*entry),
		lru:     list.New(),
		depth:   make(map[string]models.DepthSnapshot),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock.
func (s *ChainStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Publish atomically replaces the snapshot for its underlying. Superseded
// snapshots are discarded, never merged.
func (s *ChainStore) Publish(snap models.OptionChainSnapshot) {
	s.mu.Lock()
	e, ok := s.entries[snap.Underlying]
	if !ok {
		e = &entry{}
		s.entries[snap.Underlying] = e
		e.element = s.lru.PushFront(snap.Underlying)
		s.evictLocked()
	} else {
		s.lru.MoveToFront(e.element)
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
}

// PublishDepth stores the latest depth snapshot for a symbol.
func (s *ChainStore) PublishDepth(d models.DepthSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth[d.Symbol] = d
}

// Snapshot returns the latest snapshot for an underlying. Once one has
// been produced it is always returned; past TTL or in degraded mode it
// is marked stale.
func (s *ChainStore) Snapshot(underlying string) (models.OptionChainSnapshot, bool) {
	s.mu.RLock()
	e, ok := s.entries[underlying]
	degraded := s.degraded
	now := s.now()
	s.mu.RUnlock()
	if !ok {
		return models.OptionChainSnapshot{}, false
	}

	s.mu.Lock()
	s.lru.MoveToFront(e.element)
	s.mu.Unlock()

	e.mu.RLock()
	snap := e.snapshot
	e.mu.RUnlock()

	if degraded || now.Sub(snap.UpdatedAt) > s.cfg.TTL {
		snap.Stale = true
	}
	return snap, true
}

// Depth returns the latest depth snapshot for a symbol.
func (s *ChainStore) Depth(symbol string) (models.DepthSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depth[symbol]
	return d, ok
}

// SetDegraded marks all subsequent reads stale regardless of age. Set
// when the failover hierarchy is exhausted, cleared on recovery.
func (s *ChainStore) SetDegraded(degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = degraded
}

// Degraded reports the degraded flag.
func (s *ChainStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Len returns the number of cached underlyings.
func (s *ChainStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// evictLocked removes least-recently-used entries beyond capacity,
// along with their depth snapshots. Caller holds s.mu.
func (s *ChainStore) evictLocked() {
	for len(s.entries) > s.cfg.MaxUnderlyings {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		name := oldest.Value.(string)
		s.lru.Remove(oldest)

		if e, ok := s.entries[name]; ok {
			e.mu.RLock()
			for _, row := range e.snapshot.Rows {
				if row.Call != nil {
					delete(s.depth, row.Call.Symbol)
				}
				if row.Put != nil {
					delete(s.depth, row.Put.Symbol)
				}
			}
			e.mu.RUnlock()
		}
		delete(s.entries, name)
	}
}
