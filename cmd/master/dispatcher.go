package main

import (
	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/historian"
	"github.com/gridworks/scada/internal/protocol"
	"github.com/gridworks/scada/internal/security"
	"github.com/gridworks/scada/internal/telemetry"
)

// dispatcher fans inbound control-channel frames out to the pipeline:
// store, alarm engine, historian, security engine and the dashboard bus.
// The registry calls it from one goroutine per node.
type dispatcher struct {
	store     *telemetry.Store
	alarms    *alarm.Engine
	security  *security.Engine
	historian *historian.Sink
	bus       *bus.Bus
	nominalKV map[string]float64
}

func (d *dispatcher) HandleTelemetry(nodeID string, sample core.TelemetrySample) {
	d.store.Append(sample)
	d.alarms.Evaluate(sample, d.nominalKV[nodeID])
	if d.historian != nil {
		d.historian.RecordTelemetry(sample)
	}
	d.bus.Publish(bus.NewMessage(bus.TypeTelemetryUpdate, nodeID, sample))
}

func (d *dispatcher) HandleSnapshot(nodeID string, snap protocol.Snapshot) {
	if snap.Latest != nil {
		d.store.Append(*snap.Latest)
	}
}

func (d *dispatcher) HandleEvent(nodeID string, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventBreakerChange:
		if ev.BreakerState == core.BreakerTripped {
			d.alarms.RaiseExternal(nodeID, alarm.CodeBreakerTripped, map[string]interface{}{
				"breaker_id": ev.BreakerID,
			})
		}
		d.bus.Publish(bus.NewMessage(bus.TypeNodeStateChanged, nodeID, map[string]interface{}{
			"breaker_id":    ev.BreakerID,
			"breaker_state": ev.BreakerState,
		}))
	case protocol.EventAlarmRaised:
		d.alarms.RaiseExternal(nodeID, alarm.Code(ev.AlarmCode), ev.Details)
	case protocol.EventAlarmCleared:
		d.alarms.ClearExternal(nodeID, alarm.Code(ev.AlarmCode))
	}
}

func (d *dispatcher) HandleConnectionReport(rec core.ConnectionRecord) {
	d.security.ReportConnection(rec)
}

func (d *dispatcher) HandleLinkChange(nodeID string, from, to core.LinkState) {
	d.bus.Publish(bus.NewMessage(bus.TypeNodeStateChanged, nodeID, map[string]interface{}{
		"link_from": from,
		"link_to":   to,
	}))
}
