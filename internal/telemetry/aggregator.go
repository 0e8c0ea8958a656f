package telemetry

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/core"
)

// NodeStatus is the slice of registry state the aggregator needs.
type NodeStatus struct {
	ID         string
	Kind       core.NodeKind
	CapacityMW float64
	Link       core.LinkState
}

// StatusSource supplies node link states; implemented by the registry.
type StatusSource interface {
	NodeStatuses() []NodeStatus
}

// AlarmTally supplies active alarm counts; implemented by the alarm engine.
type AlarmTally interface {
	ActiveAlarmCounts() (active, critical int)
}

// Recorder persists grid rollups; implemented by the historian sink.
type Recorder interface {
	RecordGridMetrics(snap core.GridSnapshot)
}

// Change-suppression thresholds: a rollup is only published when it moved
// by more than these since the last publish, with a 5 s keep-alive floor.
const (
	epsilonFrequencyHz = 0.005
	epsilonPowerMW     = 0.5
	keepAliveInterval  = 5 * time.Second
	frequencyTraceLen  = 600 // 10 minutes at 1 Hz
)

// Aggregator computes the grid-wide snapshot once per tick and publishes
// GridOverviewUpdate frames on the fan-out bus.
type Aggregator struct {
	store    *Store
	nodes    StatusSource
	alarms   AlarmTally
	bus      *bus.Bus
	recorder Recorder
	interval time.Duration
	logger   *log.Logger

	mu            sync.RWMutex
	latest        core.GridSnapshot
	trace         []core.FrequencyPoint
	lastPublished core.GridSnapshot
	lastPublishAt time.Time
}

// NewAggregator wires the aggregator. recorder may be nil in tests.
func NewAggregator(store *Store, nodes StatusSource, alarms AlarmTally, b *bus.Bus, recorder Recorder, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		store:    store,
		nodes:    nodes,
		alarms:   alarms,
		bus:      b,
		recorder: recorder,
		interval: interval,
		logger:   log.New(log.Writer(), "[AGGREGATOR] ", log.LstdFlags),
	}
}

// Run ticks until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.Printf("started (tick %s)", a.interval)

	for {
		select {
		case <-ticker.C:
			a.Tick(time.Now().UTC())
		case <-ctx.Done():
			a.logger.Println("stopped")
			return
		}
	}
}

// Tick computes one rollup at the given instant and publishes it if it
// changed beyond the suppression thresholds (or the keep-alive is due).
func (a *Aggregator) Tick(now time.Time) core.GridSnapshot {
	snap := a.compute(now)

	a.mu.Lock()
	a.latest = snap
	publish := a.shouldPublish(snap, now)
	if publish {
		a.lastPublished = snap
		a.lastPublishAt = now
	}
	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.RecordGridMetrics(snap)
	}
	if publish && a.bus != nil {
		a.bus.Publish(bus.NewMessage(bus.TypeGridOverviewUpdate, "", snap))
	}
	return snap
}

func (a *Aggregator) compute(now time.Time) core.GridSnapshot {
	statuses := a.nodes.NodeStatuses()
	latest := a.store.LatestAll()

	var (
		generationMW  float64
		loadMW        float64
		freqWeighted  float64
		freqWeightSum float64
		online        int
		offline       int
		degraded      int
	)

	for _, st := range statuses {
		switch {
		case st.Link.Online():
			online++
			if st.Link == core.LinkDegraded {
				degraded++
			}
		default:
			offline++
		}

		sample, ok := latest[st.ID]
		if !ok {
			continue
		}

		switch st.Kind {
		case core.KindGeneration:
			generationMW += sample.ActivePowerMW
			// Frequency is weighted by rated capacity; offline
			// generators and non-generating nodes are ignored.
			if st.Link != core.LinkOffline && sample.FrequencyHz > 0 {
				freqWeighted += sample.FrequencyHz * st.CapacityMW
				freqWeightSum += st.CapacityMW
			}
		case core.KindSubstation, core.KindDistribution:
			loadMW += math.Abs(sample.ActivePowerMW)
		}
	}

	systemFreq := 50.0
	if freqWeightSum > 0 {
		systemFreq = freqWeighted / freqWeightSum
	}

	// Sensor noise can make losses negative; clamp.
	losses := generationMW - loadMW
	if losses < 0 {
		losses = 0
	}

	active, critical := 0, 0
	if a.alarms != nil {
		active, critical = a.alarms.ActiveAlarmCounts()
	}

	a.mu.Lock()
	a.trace = append(a.trace, core.FrequencyPoint{Timestamp: now, ValueHz: systemFreq})
	if len(a.trace) > frequencyTraceLen {
		a.trace = a.trace[len(a.trace)-frequencyTraceLen:]
	}
	trace := make([]core.FrequencyPoint, len(a.trace))
	copy(trace, a.trace)
	a.mu.Unlock()

	return core.GridSnapshot{
		SystemFrequencyHz: systemFreq,
		TotalGenerationMW: generationMW,
		TotalLoadMW:       loadMW,
		GridLossesMW:      losses,
		NodesOnline:       online,
		NodesOffline:      offline,
		NodesDegraded:     degraded,
		ActiveAlarms:      active,
		CriticalAlarms:    critical,
		FrequencyTrace:    trace,
		UpdatedAt:         now,
	}
}

// shouldPublish is called with a.mu held.
func (a *Aggregator) shouldPublish(snap core.GridSnapshot, now time.Time) bool {
	if a.lastPublishAt.IsZero() || now.Sub(a.lastPublishAt) >= keepAliveInterval {
		return true
	}
	prev := a.lastPublished
	if math.Abs(snap.SystemFrequencyHz-prev.SystemFrequencyHz) > epsilonFrequencyHz {
		return true
	}
	if math.Abs(snap.TotalGenerationMW-prev.TotalGenerationMW) > epsilonPowerMW ||
		math.Abs(snap.TotalLoadMW-prev.TotalLoadMW) > epsilonPowerMW ||
		math.Abs(snap.GridLossesMW-prev.GridLossesMW) > epsilonPowerMW {
		return true
	}
	if snap.NodesOnline != prev.NodesOnline || snap.NodesOffline != prev.NodesOffline ||
		snap.NodesDegraded != prev.NodesDegraded {
		return true
	}
	if snap.ActiveAlarms != prev.ActiveAlarms || snap.CriticalAlarms != prev.CriticalAlarms {
		return true
	}
	return false
}

// Latest returns the most recent snapshot (computing one on first call).
func (a *Aggregator) Latest() core.GridSnapshot {
	a.mu.RLock()
	snap := a.latest
	a.mu.RUnlock()
	if snap.UpdatedAt.IsZero() {
		return a.Tick(time.Now().UTC())
	}
	return snap
}
