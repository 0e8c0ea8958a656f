// Package security implements the Master's security engine: the shared
// allow-list keyed by (client_ip, protocol), the bounded connections view
// fed by RTU connection reports, UnknownConnection alerting, and operator
// block actions propagated back to the RTUs.
package security

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/core"
)

// connectionRetention bounds the connections view to current + last 24 h.
const connectionRetention = 24 * time.Hour

// CommandFanout broadcasts a block instruction to every connected RTU;
// implemented by the registry.
type CommandFanout interface {
	BroadcastBlock(clientIP string)
}

// EventPersister receives every security event; implemented by the
// historian.
type EventPersister interface {
	RecordSecurityEvent(ev core.SecurityEvent)
}

// Engine is the security engine. It is the single writer of the allow-list
// and the connections view.
type Engine struct {
	mu          sync.RWMutex
	allow       map[string]bool // "ip|protocol" → authorised
	blocked     map[string]bool // client_ip → blocked
	connections map[string]*core.ConnectionRecord
	alerted     map[string]bool // connection_id → UnknownConnection emitted

	store   *SharedStore // optional Redis backing
	bus     *bus.Bus
	persist EventPersister
	fanout  CommandFanout
	logger  *log.Logger
}

// NewEngine builds the engine with the configured allow-list entries plus
// the RTU and Master IPs, which are authorised by default.
func NewEngine(b *bus.Bus, persist EventPersister, defaultIPs []string, extra []AllowEntry) *Engine {
	e := &Engine{
		allow:       make(map[string]bool),
		blocked:     make(map[string]bool),
		connections: make(map[string]*core.ConnectionRecord),
		alerted:     make(map[string]bool),
		bus:         b,
		persist:     persist,
		logger:      log.New(log.Writer(), "[SECURITY] ", log.LstdFlags),
	}

	protocols := []core.Protocol{core.ProtocolREST, core.ProtocolWebSocket, core.ProtocolModbus, core.ProtocolIEC104}
	for _, ip := range defaultIPs {
		for _, p := range protocols {
			e.allow[allowKey(ip, p)] = true
		}
	}
	for _, entry := range extra {
		e.allow[allowKey(entry.ClientIP, entry.Protocol)] = true
	}
	return e
}

// AllowEntry is one configured allow-list row.
type AllowEntry struct {
	ClientIP string
	Protocol core.Protocol
}

func allowKey(ip string, p core.Protocol) string { return ip + "|" + string(p) }

// SetFanout wires the registry after construction (the registry starts
// later in the bootstrap order).
func (e *Engine) SetFanout(f CommandFanout) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fanout = f
}

// SetStore injects the optional Redis-backed shared store and merges any
// previously persisted block entries.
func (e *Engine) SetStore(s *SharedStore) {
	blocked, err := s.LoadBlocked()
	e.mu.Lock()
	e.store = s
	for _, ip := range blocked {
		e.blocked[ip] = true
	}
	e.mu.Unlock()
	if err != nil {
		e.logger.Printf("shared store load failed: %v", err)
	}
}

// Authorised reports the classification of (client_ip, protocol). Blocked
// IPs are never authorised.
func (e *Engine) Authorised(clientIP string, protocol core.Protocol) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.blocked[clientIP] {
		return false
	}
	return e.allow[allowKey(clientIP, protocol)]
}

// ReportConnection ingests a connection record pushed by an RTU. The
// engine re-labels the record against the current allow-list, stores it,
// and emits at most one UnknownConnection event per connection.
func (e *Engine) ReportConnection(rec core.ConnectionRecord) {
	if rec.ConnectionID == "" {
		rec.ConnectionID = fmt.Sprintf("%s-%s-%d-%s", rec.NodeID, rec.ClientIP, rec.ClientPort, rec.Protocol)
	}

	authorised := e.Authorised(rec.ClientIP, rec.Protocol)
	if authorised {
		rec.Status = core.ConnAuthorised
	} else {
		rec.Status = core.ConnUnknown
	}

	e.mu.Lock()
	if existing, ok := e.connections[rec.ConnectionID]; ok {
		// Update of a known connection (close, counters).
		existing.DisconnectedAt = rec.DisconnectedAt
		existing.RequestsCount = rec.RequestsCount
		existing.BytesIn = rec.BytesIn
		existing.BytesOut = rec.BytesOut
		e.mu.Unlock()
		return
	}
	cp := rec
	e.connections[rec.ConnectionID] = &cp
	alertNeeded := rec.Status == core.ConnUnknown && !e.alerted[rec.ConnectionID]
	if alertNeeded {
		e.alerted[rec.ConnectionID] = true
	}
	e.pruneLocked(time.Now().UTC())
	e.mu.Unlock()

	if alertNeeded {
		e.logger.Printf("UNKNOWN connection on %s: %s:%d via %s", rec.NodeID, rec.ClientIP, rec.ClientPort, rec.Protocol)
		ev := core.SecurityEvent{
			EventID:     uuid.NewString(),
			Type:        core.EventUnknownConnection,
			Severity:    "warning",
			NodeID:      rec.NodeID,
			ClientIP:    rec.ClientIP,
			Description: fmt.Sprintf("unknown %s connection to %s from %s", rec.Protocol, rec.NodeID, rec.ClientIP),
			RaisedAt:    time.Now().UTC(),
		}
		e.emit(ev)
		if e.bus != nil {
			msg := bus.NewMessage(bus.TypeUnknownConnection, rec.NodeID, nil)
			msg.Connection = &cp
			e.bus.Publish(msg)
		}
	}
}

// pruneLocked drops closed connections older than the retention window.
func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-connectionRetention)
	for id, rec := range e.connections {
		if rec.DisconnectedAt != nil && rec.DisconnectedAt.Before(cutoff) {
			delete(e.connections, id)
			delete(e.alerted, id)
		}
	}
}

// Block drops and refuses further connections from the IP on every RTU.
// Repeated blocks are no-ops.
func (e *Engine) Block(clientIP, operator string) bool {
	e.mu.Lock()
	if e.blocked[clientIP] {
		e.mu.Unlock()
		return false
	}
	e.blocked[clientIP] = true
	store := e.store
	fanout := e.fanout
	e.mu.Unlock()

	if store != nil {
		if err := store.SaveBlocked(clientIP); err != nil {
			e.logger.Printf("shared store save failed: %v", err)
		}
	}
	if fanout != nil {
		fanout.BroadcastBlock(clientIP)
	}

	e.logger.Printf("BLOCK issued for %s by %s", clientIP, operator)
	ev := core.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        core.EventBlockIssued,
		Severity:    "warning",
		ClientIP:    clientIP,
		Description: fmt.Sprintf("block issued for %s by %s", clientIP, operator),
		RaisedAt:    time.Now().UTC(),
		Metadata:    map[string]interface{}{"operator": operator},
	}
	e.emit(ev)
	if e.bus != nil {
		e.bus.Publish(bus.NewMessage(bus.TypeSecurityEvent, "", ev))
	}
	return true
}

// IsBlocked reports whether the IP has an active block.
func (e *Engine) IsBlocked(clientIP string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocked[clientIP]
}

// NotifyAuthFailure implements auth.SecurityNotifier.
func (e *Engine) NotifyAuthFailure(username, ip, reason string) {
	ev := core.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        core.EventAuthFailure,
		Severity:    "warning",
		ClientIP:    ip,
		Description: fmt.Sprintf("authentication failure for %s: %s", username, reason),
		RaisedAt:    time.Now().UTC(),
		Metadata:    map[string]interface{}{"username": username},
	}
	e.emit(ev)
	if e.bus != nil {
		e.bus.Publish(bus.NewMessage(bus.TypeSecurityEvent, "", ev))
	}
}

// NotifyPermissionDenied implements auth.SecurityNotifier.
func (e *Engine) NotifyPermissionDenied(username, ip, permission string) {
	ev := core.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        core.EventPermissionDenied,
		Severity:    "warning",
		ClientIP:    ip,
		Description: fmt.Sprintf("permission %s denied for %s", permission, username),
		RaisedAt:    time.Now().UTC(),
		Metadata:    map[string]interface{}{"username": username, "permission": permission},
	}
	e.emit(ev)
	if e.bus != nil {
		e.bus.Publish(bus.NewMessage(bus.TypeSecurityEvent, "", ev))
	}
}

func (e *Engine) emit(ev core.SecurityEvent) {
	if e.persist != nil {
		e.persist.RecordSecurityEvent(ev)
	}
}

// NodeConnections summarises one node's inbound clients.
type NodeConnections struct {
	NodeID      string                  `json:"node_id"`
	Authorised  int                     `json:"authorised"`
	Unknown     int                     `json:"unknown"`
	Connections []core.ConnectionRecord `json:"connections"`
}

// Summary is the security console payload for GET /security/connections.
type Summary struct {
	Authorised int               `json:"authorised"`
	Unknown    int               `json:"unknown"`
	Blocked    []string          `json:"blocked"`
	ByNode     []NodeConnections `json:"by_node"`
}

// ConnectionSummary builds the console view over the retained window.
func (e *Engine) ConnectionSummary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byNode := make(map[string]*NodeConnections)
	summary := Summary{Blocked: make([]string, 0, len(e.blocked))}

	for ip := range e.blocked {
		summary.Blocked = append(summary.Blocked, ip)
	}

	for _, rec := range e.connections {
		nc, ok := byNode[rec.NodeID]
		if !ok {
			nc = &NodeConnections{NodeID: rec.NodeID}
			byNode[rec.NodeID] = nc
		}
		nc.Connections = append(nc.Connections, *rec)
		if rec.Status == core.ConnAuthorised {
			nc.Authorised++
			summary.Authorised++
		} else {
			nc.Unknown++
			summary.Unknown++
		}
	}

	for _, nc := range byNode {
		summary.ByNode = append(summary.ByNode, *nc)
	}
	return summary
}
