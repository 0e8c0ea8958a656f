// Package alarm implements the Master's alarm engine: threshold evaluation
// on telemetry, RTU-pushed alarm events, and the Raised → Acknowledged →
// Cleared state machine with per-(node, code) serialisation.
package alarm

import (
	"time"

	"github.com/gridworks/scada/internal/core"
)

// State is the alarm lifecycle state. Transitions are monotone; a Cleared
// alarm is immutable.
type State string

const (
	StateRaised       State = "Raised"
	StateAcknowledged State = "Acknowledged"
	StateCleared      State = "Cleared"
)

// Severity of an alarm, fixed per code.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Code identifies the alarm condition.
type Code string

const (
	CodeOvervoltage    Code = "OVERVOLTAGE"
	CodeUndervoltage   Code = "UNDERVOLTAGE"
	CodeOverfrequency  Code = "OVERFREQUENCY"
	CodeUnderfrequency Code = "UNDERFREQUENCY"
	CodeThermalTrip    Code = "THERMAL_TRIP"
	CodeBreakerTripped Code = "BREAKER_TRIPPED"
	CodeCommandFailure Code = "COMMAND_FAILURE"
)

// severityByCode is the static severity mapping.
var severityByCode = map[Code]Severity{
	CodeOvervoltage:    SeverityWarning,
	CodeUndervoltage:   SeverityWarning,
	CodeOverfrequency:  SeverityCritical,
	CodeUnderfrequency: SeverityCritical,
	CodeThermalTrip:    SeverityCritical,
	CodeBreakerTripped: SeverityCritical,
	CodeCommandFailure: SeverityCritical,
}

// SeverityOf returns the static severity for a code, defaulting to warning
// for codes pushed by RTUs that the Master does not know.
func SeverityOf(code Code) Severity {
	if s, ok := severityByCode[code]; ok {
		return s
	}
	return SeverityWarning
}

// Alarm is one alarm record.
type Alarm struct {
	AlarmID        string                 `json:"alarm_id"`
	NodeID         string                 `json:"node_id"`
	Code           Code                   `json:"code"`
	Severity       Severity               `json:"severity"`
	State          State                  `json:"state"`
	RaisedAt       time.Time              `json:"raised_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time             `json:"cleared_at,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// Active reports whether the alarm still occupies its (node, code) slot.
func (a *Alarm) Active() bool {
	return a.State == StateRaised || a.State == StateAcknowledged
}

// Thresholds for the telemetry-driven alarm conditions.
const (
	FrequencyLowHz       = 49.5
	FrequencyHighHz      = 50.5
	VoltageDeviationFrac = 0.10
	ThermalLimitC        = 100.0
)

// Hysteresis bands: the condition must sit inside the band for
// clearConsecutive samples before the alarm clears.
const (
	hystFrequencyHz  = 0.05
	hystVoltageFrac  = 0.02
	hystThermalC     = 5.0
	clearConsecutive = 5
)

// ErrNotFound is returned for acknowledge on an unknown alarm id.
var ErrNotFound = core.E(core.KindNotFound, "alarm not found")
