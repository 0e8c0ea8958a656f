// Package metrics registers the Master's Prometheus instrumentation:
// link states, queue high-water marks and overflow drop counters for every
// bounded queue in the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the SCADA Master.
type Metrics struct {
	// Control-channel metrics
	FramesReceived *prometheus.CounterVec
	LinkState      *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec

	// Fan-out bus metrics
	Subscribers        prometheus.Gauge
	SubscriberQueueHWM *prometheus.GaugeVec
	MessagesPublished  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	SlowConsumers      prometheus.Counter

	// Historian metrics
	HistorianRowsWritten *prometheus.CounterVec
	HistorianSpillDepth  prometheus.Gauge
	HistorianRowsLost    prometheus.Counter

	// Alarm metrics
	AlarmTransitions *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return newWith(prometheus.DefaultRegisterer)
}

// NewForTesting registers on a private registry so tests do not collide.
func NewForTesting() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_frames_received_total",
				Help: "Control-channel frames received, by node and kind",
			},
			[]string{"node_id", "kind"},
		),
		LinkState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scada_node_link_state",
				Help: "Link state per node (1 for the current state, 0 otherwise)",
			},
			[]string{"node_id", "state"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_node_reconnects_total",
				Help: "Reconnect attempts per node",
			},
			[]string{"node_id"},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scada_bus_subscribers",
				Help: "Currently connected dashboard subscribers",
			},
		),
		SubscriberQueueHWM: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scada_bus_queue_high_water",
				Help: "High-water mark of each subscriber's outbound queue",
			},
			[]string{"subscriber_id"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_bus_messages_published_total",
				Help: "Messages published on the fan-out bus, by type",
			},
			[]string{"type"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_bus_messages_dropped_total",
				Help: "Messages dropped due to subscriber back-pressure",
			},
			[]string{"subscriber_id"},
		),
		SlowConsumers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scada_bus_slow_consumers_total",
				Help: "Subscribers marked SlowConsumer",
			},
		),
		HistorianRowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_historian_rows_written_total",
				Help: "Rows flushed to the historian, by table",
			},
			[]string{"table"},
		),
		HistorianSpillDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scada_historian_spill_depth",
				Help: "Rows currently held in the spillover buffer",
			},
		),
		HistorianRowsLost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scada_historian_rows_lost_total",
				Help: "Rows dropped after the spillover buffer overflowed",
			},
		),
		AlarmTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_alarm_transitions_total",
				Help: "Alarm state machine transitions, by code and transition",
			},
			[]string{"code", "transition"},
		),
	}
}

// SetLinkState updates the per-node link state gauge, zeroing the others.
func (m *Metrics) SetLinkState(nodeID, state string) {
	for _, s := range []string{"Connecting", "Connected", "Reconnecting", "Degraded", "Offline"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.LinkState.WithLabelValues(nodeID, s).Set(v)
	}
}
