package store

import (
	"testing"
	"time"

	"chainstream/internal/models"
)

func snapshotFor(underlying string, at time.Time) models.OptionChainSnapshot {
	return models.OptionChainSnapshot{
		Underlying: underlying,
		SpotLTP:    24567,
		ATMStrike:  24550,
		UpdatedAt:  at,
	}
}

func TestSnapshotFreshAndStale(t *testing.T) {
	s := NewChainStore(ChainStoreConfig{TTL: 30 * time.Second, MaxUnderlyings: 8})

	now := time.Date(2025, time.September, 25, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Publish(snapshotFor("NIFTY", now))

	snap, ok := s.Snapshot("NIFTY")
	if !ok {
		t.Fatal("snapshot missing after publish")
	}
	if snap.Stale {
		t.Error("fresh snapshot marked stale")
	}

	// Advance past the TTL: the snapshot is still served, marked stale.
	now = now.Add(31 * time.Second)
	snap, ok = s.Snapshot("NIFTY")
	if !ok {
		t.Fatal("expired snapshot must still be served")
	}
	if !snap.Stale {
		t.Error("expired snapshot not marked stale")
	}
	if snap.ATMStrike != 24550 {
		t.Error("expired snapshot lost its content")
	}
}

func TestSnapshotUnknownUnderlying(t *testing.T) {
	s := NewChainStore(DefaultChainStoreConfig())
	if _, ok := s.Snapshot("NIFTY"); ok {
		t.Error("unknown underlying must read as absent, not empty")
	}
}

func TestDegradedMarksStale(t *testing.T) {
	s := NewChainStore(ChainStoreConfig{TTL: time.Hour, MaxUnderlyings: 8})
	s.Publish(snapshotFor("NIFTY", time.Now()))

	s.SetDegraded(true)
	snap, _ := s.Snapshot("NIFTY")
	if !snap.Stale {
		t.Error("degraded mode must mark reads stale regardless of age")
	}

	s.SetDegraded(false)
	snap, _ = s.Snapshot("NIFTY")
	if snap.Stale {
		t.Error("recovery must clear staleness for fresh snapshots")
	}
}

func TestPublishSupersedes(t *testing.T) {
	s := NewChainStore(DefaultChainStoreConfig())

	first := snapshotFor("NIFTY", time.Now())
	first.SpotLTP = 24500
	second := snapshotFor("NIFTY", time.Now())
	second.SpotLTP = 24600

	s.Publish(first)
	s.Publish(second)

	snap, _ := s.Snapshot("NIFTY")
	if snap.SpotLTP != 24600 {
		t.Errorf("read %v, want the superseding snapshot", snap.SpotLTP)
	}
	if s.Len() != 1 {
		t.Errorf("store has %d entries, want 1", s.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	s := NewChainStore(ChainStoreConfig{TTL: time.Minute, MaxUnderlyings: 2})

	s.Publish(snapshotFor("A", time.Now()))
	s.Publish(snapshotFor("B", time.Now()))

	// Touch A so B becomes the least recently used.
	if _, ok := s.Snapshot("A"); !ok {
		t.Fatal("A missing")
	}

	s.Publish(snapshotFor("C", time.Now()))

	if s.Len() != 2 {
		t.Fatalf("store has %d entries, want 2", s.Len())
	}
	if _, ok := s.Snapshot("B"); ok {
		t.Error("least recently used entry must be evicted")
	}
	if _, ok := s.Snapshot("A"); !ok {
		t.Error("recently read entry must survive eviction")
	}
	if _, ok := s.Snapshot("C"); !ok {
		t.Error("newly published entry must be present")
	}
}

func TestEvictionDropsDepth(t *testing.T) {
	s := NewChainStore(ChainStoreConfig{TTL: time.Minute, MaxUnderlyings: 1})

	depth := models.DepthSnapshot{Symbol: "NIFTY25SEP2524550CE", LTP: 125.75}
	snap := snapshotFor("NIFTY", time.Now())
	snap.Rows = []models.ChainRow{{Tag: models.TagATM, Strike: 24550, Call: &depth}}

	s.Publish(snap)
	s.PublishDepth(depth)

	if _, ok := s.Depth(depth.Symbol); !ok {
		t.Fatal("depth missing after publish")
	}

	s.Publish(snapshotFor("BANKNIFTY", time.Now()))

	if _, ok := s.Snapshot("NIFTY"); ok {
		t.Error("NIFTY must be evicted")
	}
	if _, ok := s.Depth(depth.Symbol); ok {
		t.Error("evicted underlying's depth symbols must be dropped")
	}
}

func TestCrossKeyIndependence(t *testing.T) {
	s := NewChainStore(DefaultChainStoreConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.Publish(snapshotFor("NIFTY", time.Now()))
			s.Snapshot("BANKNIFTY")
		}
	}()
	for i := 0; i < 500; i++ {
		s.Publish(snapshotFor("BANKNIFTY", time.Now()))
		s.Snapshot("NIFTY")
	}
	<-done

	if s.Len() != 2 {
		t.Errorf("store has %d entries, want 2", s.Len())
	}
}
