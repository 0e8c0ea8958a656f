package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
)

type fakeStatuses struct {
	statuses []NodeStatus
}

func (f *fakeStatuses) NodeStatuses() []NodeStatus { return f.statuses }

type fakeTally struct {
	active, critical int
}

func (f *fakeTally) ActiveAlarmCounts() (int, int) { return f.active, f.critical }

func push(s *Store, nodeID string, powerMW, freqHz float64, ts time.Time) {
	s.Append(core.TelemetrySample{
		NodeID:        nodeID,
		Timestamp:     ts,
		ActivePowerMW: powerMW,
		FrequencyHz:   freqHz,
	})
}

func TestAggregatorCapacityWeightedFrequency(t *testing.T) {
	store := NewStore(8)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	push(store, "GEN-001", 400, 50.0, now)
	push(store, "GEN-002", 200, 49.0, now)
	push(store, "SUB-001", 250, 49.9, now)  // substation frequency is ignored
	push(store, "DIST-001", -90, 49.9, now) // load convention: negative injection

	nodes := &fakeStatuses{statuses: []NodeStatus{
		{ID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500, Link: core.LinkConnected},
		{ID: "GEN-002", Kind: core.KindGeneration, CapacityMW: 300, Link: core.LinkConnected},
		{ID: "SUB-001", Kind: core.KindSubstation, CapacityMW: 315, Link: core.LinkConnected},
		{ID: "DIST-001", Kind: core.KindDistribution, CapacityMW: 100, Link: core.LinkDegraded},
	}}

	agg := NewAggregator(store, nodes, &fakeTally{}, nil, nil, time.Second)
	snap := agg.Tick(now)

	// (50*500 + 49*300) / 800
	assert.InDelta(t, 49.625, snap.SystemFrequencyHz, 1e-9)
	assert.InDelta(t, 600, snap.TotalGenerationMW, 1e-9)
	assert.InDelta(t, 340, snap.TotalLoadMW, 1e-9) // 250 + |-90|
	assert.InDelta(t, 260, snap.GridLossesMW, 1e-9)
	assert.Equal(t, 4, snap.NodesOnline)
	assert.Equal(t, 1, snap.NodesDegraded)
	assert.Equal(t, 0, snap.NodesOffline)
}

func TestAggregatorExcludesOfflineGenerators(t *testing.T) {
	store := NewStore(8)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	push(store, "GEN-001", 400, 50.2, now)
	push(store, "GEN-002", 200, 48.0, now)

	nodes := &fakeStatuses{statuses: []NodeStatus{
		{ID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500, Link: core.LinkConnected},
		{ID: "GEN-002", Kind: core.KindGeneration, CapacityMW: 300, Link: core.LinkOffline},
	}}

	agg := NewAggregator(store, nodes, &fakeTally{}, nil, nil, time.Second)
	snap := agg.Tick(now)

	assert.InDelta(t, 50.2, snap.SystemFrequencyHz, 1e-9)
	assert.Equal(t, 1, snap.NodesOffline)
}

func TestAggregatorClampsNegativeLosses(t *testing.T) {
	store := NewStore(8)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	push(store, "GEN-001", 100, 50.0, now)
	push(store, "SUB-001", 180, 50.0, now)

	nodes := &fakeStatuses{statuses: []NodeStatus{
		{ID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500, Link: core.LinkConnected},
		{ID: "SUB-001", Kind: core.KindSubstation, CapacityMW: 315, Link: core.LinkConnected},
	}}

	agg := NewAggregator(store, nodes, &fakeTally{}, nil, nil, time.Second)
	snap := agg.Tick(now)
	assert.Zero(t, snap.GridLossesMW)
}

func TestAggregatorSuppressesUnchangedRollups(t *testing.T) {
	store := NewStore(8)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	push(store, "GEN-001", 400, 50.0, now)

	nodes := &fakeStatuses{statuses: []NodeStatus{
		{ID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500, Link: core.LinkConnected},
	}}

	b := bus.New(metrics.NewForTesting())
	agg := NewAggregator(store, nodes, &fakeTally{}, b, nil, time.Second)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	agg.Tick(now) // first publish always goes out
	agg.Tick(now.Add(time.Second))
	agg.Tick(now.Add(2 * time.Second)) // unchanged, inside keep-alive window

	require.Len(t, sub.C(), 1)

	// A frequency move past epsilon publishes again.
	push(store, "GEN-001", 400, 50.1, now.Add(3*time.Second))
	agg.Tick(now.Add(3 * time.Second))
	assert.Len(t, sub.C(), 2)

	// The keep-alive floor forces a publish even with no change.
	agg.Tick(now.Add(10 * time.Second))
	assert.Len(t, sub.C(), 3)
}

func TestAggregatorFrequencyTraceBounded(t *testing.T) {
	store := NewStore(8)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	push(store, "GEN-001", 400, 50.0, now)

	nodes := &fakeStatuses{statuses: []NodeStatus{
		{ID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500, Link: core.LinkConnected},
	}}
	agg := NewAggregator(store, nodes, &fakeTally{}, nil, nil, time.Second)

	var snap core.GridSnapshot
	for i := 0; i < frequencyTraceLen+50; i++ {
		snap = agg.Tick(now.Add(time.Duration(i) * time.Second))
	}
	assert.Len(t, snap.FrequencyTrace, frequencyTraceLen)
}
