// Package registry maintains the Master's view of the node fleet. One
// supervisor per catalogue node owns its control-channel connection, the
// link state machine and reconnection, and routes command replies back to
// their callers.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
	"github.com/gridworks/scada/internal/protocol"
	"github.com/gridworks/scada/internal/telemetry"
)

// Dispatcher receives inbound frames and link transitions. Calls for one
// node arrive from a single goroutine, so per-node ordering is preserved.
type Dispatcher interface {
	HandleTelemetry(nodeID string, sample core.TelemetrySample)
	HandleEvent(nodeID string, ev protocol.Event)
	HandleSnapshot(nodeID string, snap protocol.Snapshot)
	HandleConnectionReport(rec core.ConnectionRecord)
	HandleLinkChange(nodeID string, from, to core.LinkState)
}

// NodeView is the API-facing summary of one node.
type NodeView struct {
	Descriptor    core.NodeDescriptor          `json:"descriptor"`
	Link          core.LinkState               `json:"link"`
	BreakerStates map[string]core.BreakerState `json:"breaker_states"`
	LastSeq       uint64                       `json:"last_seq"`
	ConnectedAt   *time.Time                   `json:"connected_at,omitempty"`
	LastFrameAt   *time.Time                   `json:"last_frame_at,omitempty"`
}

// Registry owns one supervisor per catalogue node.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]*supervisor
	order       []string // catalogue order, for stable listings

	dispatcher Dispatcher
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	logger     *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the registry over the catalogue. Supervisors do not dial
// until Start.
func New(descriptors []core.NodeDescriptor, dispatcher Dispatcher, m *metrics.Metrics, heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	r := &Registry{
		supervisors: make(map[string]*supervisor, len(descriptors)),
		dispatcher:  dispatcher,
		metrics:     m,
		heartbeat:   heartbeat,
		logger:      log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
	for _, d := range descriptors {
		r.supervisors[d.NodeID] = newSupervisor(d, dispatcher, m, heartbeat)
		r.order = append(r.order, d.NodeID)
	}
	return r
}

// Start launches every supervisor's connection loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Printf("starting %d node supervisors", len(r.supervisors))
	for _, s := range r.supervisors {
		r.wg.Add(1)
		go func(s *supervisor) {
			defer r.wg.Done()
			s.run(ctx)
		}(s)
	}
}

// Stop tears down all supervisors and waits for them to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Execute sends the command to the node and waits for the correlated
// reply, bounded by ctx. Implements the control gateway.
func (r *Registry) Execute(ctx context.Context, nodeID string, cmd protocol.Command) (*protocol.Reply, error) {
	r.mu.RLock()
	s, ok := r.supervisors[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, core.Ef(core.KindNotFound, "node %s not found", nodeID)
	}
	return s.execute(ctx, cmd)
}

// NodeLink reports the node's current link state.
func (r *Registry) NodeLink(nodeID string) (core.LinkState, bool) {
	r.mu.RLock()
	s, ok := r.supervisors[nodeID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return s.linkState(), true
}

// NodeStatuses implements telemetry.StatusSource for the aggregator.
func (r *Registry) NodeStatuses() []telemetry.NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]telemetry.NodeStatus, 0, len(r.order))
	for _, id := range r.order {
		s := r.supervisors[id]
		out = append(out, telemetry.NodeStatus{
			ID:         id,
			Kind:       s.desc.Kind,
			CapacityMW: s.desc.CapacityMW,
			Link:       s.linkState(),
		})
	}
	return out
}

// NodeViews lists all nodes in catalogue order for the API.
func (r *Registry) NodeViews() []NodeView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeView, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.supervisors[id].view())
	}
	return out
}

// NodeView returns one node's summary.
func (r *Registry) NodeView(nodeID string) (NodeView, bool) {
	r.mu.RLock()
	s, ok := r.supervisors[nodeID]
	r.mu.RUnlock()
	if !ok {
		return NodeView{}, false
	}
	return s.view(), true
}

// BroadcastBlock pushes a Block command to every connected node. Replies
// are not awaited; a node that misses the block receives the full block
// set on its next reconnect. Implements the security fan-out.
func (r *Registry) BroadcastBlock(clientIP string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.supervisors {
		s.sendBlock(clientIP)
	}
}
