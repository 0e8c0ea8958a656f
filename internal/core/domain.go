// Package core defines the shared data model of the SCADA simulation:
// node descriptors, telemetry samples, grid snapshots, connection records,
// security events and audit entries. Components exchange these types; the
// behaviour lives in the owning packages.
package core

import "time"

// NodeKind classifies a node in the grid topology.
type NodeKind string

const (
	KindGeneration   NodeKind = "generation"
	KindSubstation   NodeKind = "substation"
	KindDistribution NodeKind = "distribution"
)

// LinkState is the Master-side view of a node's control-channel.
type LinkState string

const (
	LinkConnecting   LinkState = "Connecting"
	LinkConnected    LinkState = "Connected"
	LinkReconnecting LinkState = "Reconnecting"
	LinkDegraded     LinkState = "Degraded"
	LinkOffline      LinkState = "Offline"
)

// Online reports whether the link counts towards nodes_online.
func (s LinkState) Online() bool {
	return s == LinkConnected || s == LinkDegraded
}

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	BreakerOpen    BreakerState = "Open"
	BreakerClosed  BreakerState = "Closed"
	BreakerTripped BreakerState = "Tripped"
)

// Quality flags a telemetry sample whose value was substituted.
type Quality string

const (
	QualityGood    Quality = "Good"
	QualitySuspect Quality = "Suspect"
)

// NodeDescriptor is the static declaration of one node from the catalogue.
type NodeDescriptor struct {
	NodeID           string   `json:"node_id" yaml:"node_id"`
	Kind             NodeKind `json:"kind" yaml:"kind"`
	Location         string   `json:"location" yaml:"location"`
	CapacityMW       float64  `json:"capacity_mw" yaml:"capacity_mw"`
	NominalVoltageKV float64  `json:"nominal_voltage_kv" yaml:"nominal_voltage_kv"`
	NodeIP           string   `json:"node_ip" yaml:"node_ip"`
	RESTPort         int      `json:"rest_port" yaml:"rest_port"`
	ControlPort      int      `json:"control_port" yaml:"control_port"`
	ModbusPort       int      `json:"modbus_port" yaml:"modbus_port"`
	IEC104Port       int      `json:"iec104_port" yaml:"iec104_port"`
}

// TelemetrySample is one reading from a node's sampler.
//
// Sequence numbers are strictly increasing per node within one RTU session
// and reset to zero when the RTU process restarts. TemperatureC is a pointer
// because distribution feeders carry no transformer thermal probe.
type TelemetrySample struct {
	NodeID             string       `json:"node_id"`
	Seq                uint64       `json:"seq"`
	Timestamp          time.Time    `json:"timestamp"`
	VoltageKV          float64      `json:"voltage_kv"`
	CurrentA           float64      `json:"current_a"`
	ActivePowerMW      float64      `json:"active_power_mw"`
	ReactivePowerMVAR  float64      `json:"reactive_power_mvar"`
	PowerFactor        float64      `json:"power_factor"`
	FrequencyHz        float64      `json:"frequency_hz"`
	TemperatureC       *float64     `json:"temperature_c,omitempty"`
	BreakerState       BreakerState `json:"breaker_state"`
	EnergyDeliveredMWH float64      `json:"energy_delivered_mwh"`
	Quality            Quality      `json:"quality,omitempty"`
}

// FrequencyPoint is one entry of the rolling system-frequency trace.
type FrequencyPoint struct {
	Timestamp time.Time `json:"timestamp"`
	ValueHz   float64   `json:"value_hz"`
}

// GridSnapshot is the grid-wide rollup computed once per aggregator tick.
type GridSnapshot struct {
	SystemFrequencyHz float64          `json:"system_frequency_hz"`
	TotalGenerationMW float64          `json:"total_generation_mw"`
	TotalLoadMW       float64          `json:"total_load_mw"`
	GridLossesMW      float64          `json:"grid_losses_mw"`
	NodesOnline       int              `json:"nodes_online"`
	NodesOffline      int              `json:"nodes_offline"`
	NodesDegraded     int              `json:"nodes_degraded"`
	ActiveAlarms      int              `json:"active_alarms"`
	CriticalAlarms    int              `json:"critical_alarms"`
	FrequencyTrace    []FrequencyPoint `json:"frequency_trace"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Protocol identifies the surface an inbound RTU client connected on.
type Protocol string

const (
	ProtocolREST      Protocol = "REST"
	ProtocolWebSocket Protocol = "WebSocket"
	ProtocolModbus    Protocol = "Modbus"
	ProtocolIEC104    Protocol = "IEC104"
)

// ConnectionStatus is the classification of an inbound RTU client.
type ConnectionStatus string

const (
	ConnAuthorised ConnectionStatus = "Authorised"
	ConnUnknown    ConnectionStatus = "Unknown"
)

// ConnectionRecord describes one inbound client connection observed on an
// RTU. Classification is computed at accept time against the shared
// allow-list and re-evaluated when the allow-list changes.
type ConnectionRecord struct {
	ConnectionID   string           `json:"connection_id"`
	NodeID         string           `json:"node_id"`
	ClientIP       string           `json:"client_ip"`
	ClientPort     int              `json:"client_port"`
	Protocol       Protocol         `json:"protocol"`
	Status         ConnectionStatus `json:"status"`
	ConnectedAt    time.Time        `json:"connected_at"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
	RequestsCount  int64            `json:"requests_count"`
	BytesIn        int64            `json:"bytes_in"`
	BytesOut       int64            `json:"bytes_out"`
}

// SecurityEventType enumerates events emitted by the security engine.
type SecurityEventType string

const (
	EventUnknownConnection SecurityEventType = "UnknownConnection"
	EventAuthFailure       SecurityEventType = "AuthFailure"
	EventPermissionDenied  SecurityEventType = "PermissionDenied"
	EventRateLimited       SecurityEventType = "RateLimited"
	EventBlockIssued       SecurityEventType = "BlockIssued"
)

// SecurityEvent is a security-relevant occurrence surfaced to operators
// and persisted to the historian.
type SecurityEvent struct {
	EventID     string                 `json:"event_id"`
	Type        SecurityEventType      `json:"type"`
	Severity    string                 `json:"severity"`
	NodeID      string                 `json:"node_id,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	Description string                 `json:"description"`
	RaisedAt    time.Time              `json:"raised_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AuditResult is the outcome recorded in an audit entry.
type AuditResult string

const (
	AuditSuccess AuditResult = "Success"
	AuditFailure AuditResult = "Failure"
	AuditDenied  AuditResult = "Denied"
)

// AuditEntry is an immutable record of one operator action.
type AuditEntry struct {
	LogID      string                 `json:"log_id"`
	OperatorID string                 `json:"operator_id"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Result     AuditResult            `json:"result"`
	IP         string                 `json:"ip,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
