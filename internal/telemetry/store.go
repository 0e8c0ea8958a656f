// Package telemetry owns the Master-side telemetry store (per-node ring
// buffer plus a latest-sample slot) and the grid-wide aggregator.
package telemetry

import (
	"sync"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// DefaultRingCapacity retains roughly one hour at 1 Hz.
const DefaultRingCapacity = 3600

type nodeSlot struct {
	mu     sync.RWMutex
	ring   *Ring
	latest *core.TelemetrySample
}

// Store holds telemetry per node. Writes come from a single goroutine per
// node (its supervisor's reader pump); reads take the latest slot under a
// short read lock.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*nodeSlot
	capacity int
}

// NewStore creates a store with the given ring capacity per node.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Store{
		nodes:    make(map[string]*nodeSlot),
		capacity: capacity,
	}
}

func (s *Store) slot(nodeID string) *nodeSlot {
	s.mu.RLock()
	slot, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if ok {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.nodes[nodeID]; ok {
		return slot
	}
	slot = &nodeSlot{ring: NewRing(s.capacity)}
	s.nodes[nodeID] = slot
	return slot
}

// Append stores a sample and updates the latest slot.
func (s *Store) Append(sample core.TelemetrySample) {
	slot := s.slot(sample.NodeID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.ring.Push(sample)
	cp := sample
	slot.latest = &cp
}

// Latest returns a copy of the newest sample for the node.
func (s *Store) Latest(nodeID string) (core.TelemetrySample, bool) {
	slot := s.slot(nodeID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	if slot.latest == nil {
		return core.TelemetrySample{}, false
	}
	return *slot.latest, true
}

// Query returns up to limit buffered samples for the node within [from, to].
func (s *Store) Query(nodeID string, from, to time.Time, limit int) []core.TelemetrySample {
	slot := s.slot(nodeID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.ring.Query(from, to, limit)
}

// Count returns the number of buffered samples for the node.
func (s *Store) Count(nodeID string) int {
	slot := s.slot(nodeID)
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.ring.Len()
}

// LatestAll returns the latest sample of every node that has one.
func (s *Store) LatestAll() map[string]core.TelemetrySample {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]core.TelemetrySample, len(ids))
	for _, id := range ids {
		if sample, ok := s.Latest(id); ok {
			out[id] = sample
		}
	}
	return out
}
