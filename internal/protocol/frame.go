// Package protocol implements the Master ↔ RTU control-channel framing:
// length-prefixed JSON frames over a persistent TCP connection. Each frame
// is a 4-byte big-endian payload length followed by one JSON object tagged
// by "kind". Unknown kinds are rejected at the boundary.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// FrameKind tags a control-channel frame.
type FrameKind string

const (
	KindHello            FrameKind = "Hello"            // RTU → Master, first frame after accept
	KindSnapshot         FrameKind = "Snapshot"         // RTU → Master, full local state
	KindTelemetry        FrameKind = "Telemetry"        // RTU → Master
	KindEvent            FrameKind = "Event"            // RTU → Master, breaker/alarm push
	KindConnectionReport FrameKind = "ConnectionReport" // RTU → Master
	KindCommand          FrameKind = "Command"          // Master → RTU
	KindReply            FrameKind = "Reply"            // RTU → Master, correlated by request_id
	KindHeartbeat        FrameKind = "Heartbeat"        // either direction
)

var validKinds = map[FrameKind]bool{
	KindHello:            true,
	KindSnapshot:         true,
	KindTelemetry:        true,
	KindEvent:            true,
	KindConnectionReport: true,
	KindCommand:          true,
	KindReply:            true,
	KindHeartbeat:        true,
}

// MaxFrameSize bounds a single frame payload. A full buffer drain is sent
// as individual Telemetry frames, so nothing legitimate approaches this.
const MaxFrameSize = 4 << 20

// CommandType enumerates Master → RTU commands.
type CommandType string

const (
	CmdSboOperate CommandType = "SboOperate"
	CmdIsolate    CommandType = "Isolate"
	CmdBlock      CommandType = "Block"
	CmdPing       CommandType = "Ping"
)

// BreakerAction is the requested breaker transition.
type BreakerAction string

const (
	ActionOpen  BreakerAction = "open"
	ActionClose BreakerAction = "close"
)

// Hello is sent by the RTU immediately after the Master connects.
type Hello struct {
	Descriptor    core.NodeDescriptor          `json:"descriptor"`
	BreakerStates map[string]core.BreakerState `json:"breaker_states"`
	BufferedCount int                          `json:"buffered_count"`
	StartedAt     time.Time                    `json:"started_at"`
}

// Snapshot carries the RTU's full local state, requested on reconnect.
type Snapshot struct {
	Latest        *core.TelemetrySample        `json:"latest,omitempty"`
	BreakerStates map[string]core.BreakerState `json:"breaker_states"`
}

// EventType enumerates RTU-pushed events.
type EventType string

const (
	EventBreakerChange EventType = "breaker_change"
	EventAlarmRaised   EventType = "alarm_raised"
	EventAlarmCleared  EventType = "alarm_cleared"
)

// Event is an asynchronous RTU push (breaker change or local alarm).
type Event struct {
	Type         EventType              `json:"type"`
	NodeID       string                 `json:"node_id"`
	BreakerID    string                 `json:"breaker_id,omitempty"`
	BreakerState core.BreakerState      `json:"breaker_state,omitempty"`
	AlarmCode    string                 `json:"alarm_code,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Command is a Master → RTU request.
type Command struct {
	RequestID string        `json:"request_id"`
	Type      CommandType   `json:"type"`
	BreakerID string        `json:"breaker_id,omitempty"`
	Action    BreakerAction `json:"action,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"` // Block target
	Reason    string        `json:"reason,omitempty"`
}

// Reply answers a Command, correlated by RequestID.
type Reply struct {
	RequestID       string            `json:"request_id"`
	Result          string            `json:"result"` // "Success" or "Failure"
	NewBreakerState core.BreakerState `json:"new_breaker_state,omitempty"`
	ResponseTimeMs  int64             `json:"response_time_ms"`
	Error           string            `json:"error,omitempty"`
}

// Heartbeat keeps the link alive in both directions.
type Heartbeat struct {
	SentAt time.Time `json:"sent_at"`
}

// Frame is one control-channel frame. Exactly one payload pointer matching
// Kind is set; the rest stay nil and are elided from the wire form.
type Frame struct {
	Kind       FrameKind              `json:"kind"`
	Hello      *Hello                 `json:"hello,omitempty"`
	Snapshot   *Snapshot              `json:"snapshot,omitempty"`
	Telemetry  *core.TelemetrySample  `json:"telemetry,omitempty"`
	Event      *Event                 `json:"event,omitempty"`
	Connection *core.ConnectionRecord `json:"connection,omitempty"`
	Command    *Command               `json:"command,omitempty"`
	Reply      *Reply                 `json:"reply,omitempty"`
	Heartbeat  *Heartbeat             `json:"heartbeat,omitempty"`
}

// Validate checks the frame's tag and payload consistency.
func (f *Frame) Validate() error {
	if !validKinds[f.Kind] {
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	switch f.Kind {
	case KindHello:
		if f.Hello == nil {
			return fmt.Errorf("Hello frame missing payload")
		}
	case KindTelemetry:
		if f.Telemetry == nil {
			return fmt.Errorf("Telemetry frame missing payload")
		}
	case KindEvent:
		if f.Event == nil {
			return fmt.Errorf("Event frame missing payload")
		}
	case KindConnectionReport:
		if f.Connection == nil {
			return fmt.Errorf("ConnectionReport frame missing payload")
		}
	case KindCommand:
		if f.Command == nil {
			return fmt.Errorf("Command frame missing payload")
		}
	case KindReply:
		if f.Reply == nil {
			return fmt.Errorf("Reply frame missing payload")
		}
	}
	return nil
}

// WriteFrame encodes and writes one frame: 4-byte length then JSON body.
func WriteFrame(w io.Writer, f *Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one complete frame from the reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// NewHeartbeat builds a heartbeat frame stamped now.
func NewHeartbeat() *Frame {
	return &Frame{Kind: KindHeartbeat, Heartbeat: &Heartbeat{SentAt: time.Now().UTC()}}
}
