// Package control implements select-before-operate breaker control. A
// breaker must be armed by a Select, then operated within the arming
// window by the same operator. Sessions are exclusive per (node, breaker)
// and expire automatically.
package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/protocol"
)

const (
	// ArmingWindow is how long a Select keeps the breaker armed.
	ArmingWindow = 10 * time.Second
	// OperateTimeout bounds the Operate round-trip to the RTU.
	OperateTimeout = 2 * time.Second
	// sweepInterval drives the expired-session sweeper.
	sweepInterval = 1 * time.Second
	// sessionRetention keeps terminal sessions around so that a late
	// Operate on an expired session can still answer "session expired".
	sessionRetention = 10 * time.Minute
)

// SessionState is the SBO session lifecycle. Armed is the only live
// state; the others are terminal.
type SessionState string

const (
	StateArmed     SessionState = "Armed"
	StateOperated  SessionState = "Operated"
	StateCancelled SessionState = "Cancelled"
	StateExpired   SessionState = "Expired"
)

// NodeGateway dispatches commands to an RTU over its control channel;
// implemented by the registry.
type NodeGateway interface {
	// Execute sends the command to the node and waits for the correlated
	// reply, bounded by ctx.
	Execute(ctx context.Context, nodeID string, cmd protocol.Command) (*protocol.Reply, error)
	// NodeLink reports the node's current link state.
	NodeLink(nodeID string) (core.LinkState, bool)
}

// Auditor records operator actions; implemented by auth.Trail.
type Auditor interface {
	Record(entry core.AuditEntry)
}

// AlarmRaiser raises command-failure alarms; implemented by alarm.Engine.
type AlarmRaiser interface {
	RaiseExternal(nodeID string, code alarm.Code, details map[string]interface{})
}

// Session is one SBO session.
type Session struct {
	SessionID string                 `json:"session_id"`
	NodeID    string                 `json:"node_id"`
	BreakerID string                 `json:"breaker_id"`
	Operator  string                 `json:"operator"`
	State     SessionState           `json:"state"`
	ArmedAt   time.Time              `json:"armed_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Action    protocol.BreakerAction `json:"action"`
}

type sboKey struct {
	nodeID    string
	breakerID string
}

// Coordinator owns the SBO session table.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session // by session id, terminal kept until retention
	armed    map[sboKey]string   // live armed session per breaker

	gateway NodeGateway
	audit   Auditor
	alarms  AlarmRaiser
	logger  *log.Logger
	now     func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// OperateResult is returned to the API on a successful operate.
type OperateResult struct {
	Result          string            `json:"result"`
	RequestID       string            `json:"request_id"`
	NodeID          string            `json:"node_id"`
	BreakerID       string            `json:"breaker_id"`
	NewBreakerState core.BreakerState `json:"new_breaker_state"`
	ResponseTimeMs  int64             `json:"response_time_ms"`
}

// NewCoordinator wires the coordinator. alarms may be nil in tests.
func NewCoordinator(gateway NodeGateway, audit Auditor, alarms AlarmRaiser) *Coordinator {
	return &Coordinator{
		sessions:  make(map[string]*Session),
		armed:     make(map[sboKey]string),
		gateway:   gateway,
		audit:     audit,
		alarms:    alarms,
		logger:    log.New(log.Writer(), "[SBO] ", log.LstdFlags),
		now:       func() time.Time { return time.Now().UTC() },
		sweepStop: make(chan struct{}),
	}
}

// Start launches the expired-session sweeper.
func (c *Coordinator) Start() {
	go c.sweepLoop()
}

// Stop halts the sweeper.
func (c *Coordinator) Stop() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired transitions overdue Armed sessions to Expired, each with
// an audit entry, and prunes terminal sessions past the retention window.
func (c *Coordinator) sweepExpired() {
	now := c.now()

	c.mu.Lock()
	var expired []*Session
	for id, s := range c.sessions {
		switch {
		case s.State == StateArmed && now.After(s.ExpiresAt):
			s.State = StateExpired
			delete(c.armed, sboKey{s.NodeID, s.BreakerID})
			expired = append(expired, s)
		case s.State != StateArmed && now.Sub(s.ExpiresAt) > sessionRetention:
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		c.logger.Printf("session %s on %s/%s expired", s.SessionID, s.NodeID, s.BreakerID)
		c.recordAudit(s.Operator, "sbo.expire", s.NodeID, s.BreakerID, "", core.AuditFailure, "session expired")
	}
}

// Select arms the breaker for the operator. Fails with Conflict if another
// live session holds the breaker, and with Unavailable if the node is
// offline.
func (c *Coordinator) Select(nodeID, breakerID, operator, ip, reason string, action protocol.BreakerAction) (*Session, error) {
	if action != protocol.ActionOpen && action != protocol.ActionClose {
		return nil, core.Ef(core.KindValidation, "unknown breaker action %q", action)
	}

	link, known := c.gateway.NodeLink(nodeID)
	if !known {
		return nil, core.Ef(core.KindNotFound, "node %s not found", nodeID)
	}
	if !link.Online() {
		c.recordAudit(operator, "sbo.select", nodeID, breakerID, ip, core.AuditFailure, "node offline")
		return nil, core.Ef(core.KindUnavailable, "node %s is %s", nodeID, link)
	}

	now := c.now()
	key := sboKey{nodeID, breakerID}

	c.mu.Lock()
	if id, ok := c.armed[key]; ok {
		if existing := c.sessions[id]; existing != nil && existing.State == StateArmed && now.Before(existing.ExpiresAt) {
			c.mu.Unlock()
			c.recordAudit(operator, "sbo.select", nodeID, breakerID, ip, core.AuditDenied, "breaker already selected")
			return nil, core.Ef(core.KindConflict, "breaker %s on %s already selected by %s", breakerID, nodeID, existing.Operator)
		}
	}
	session := &Session{
		SessionID: uuid.NewString(),
		NodeID:    nodeID,
		BreakerID: breakerID,
		Operator:  operator,
		State:     StateArmed,
		Action:    action,
		ArmedAt:   now,
		ExpiresAt: now.Add(ArmingWindow),
	}
	c.sessions[session.SessionID] = session
	c.armed[key] = session.SessionID
	c.mu.Unlock()

	c.logger.Printf("breaker %s/%s selected by %s (%s), session %s", nodeID, breakerID, operator, action, session.SessionID)
	c.recordAudit(operator, "sbo.select", nodeID, breakerID, ip, core.AuditSuccess, reason)
	cp := *session
	return &cp, nil
}

// Operate executes the armed action for the session. The session must be
// Armed, belong to the operator, and still be inside the arming window; an
// operate one millisecond past expiry is a Conflict. The session is
// consumed whatever the RTU answers.
func (c *Coordinator) Operate(ctx context.Context, sessionID, operator, ip string) (*OperateResult, error) {
	now := c.now()

	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		c.recordAudit(operator, "sbo.operate", "", "", ip, core.AuditDenied, "no session")
		return nil, core.Ef(core.KindConflict, "session %s does not exist", sessionID)
	}
	nodeID, breakerID := session.NodeID, session.BreakerID
	if session.State == StateExpired || (session.State == StateArmed && now.After(session.ExpiresAt)) {
		if session.State == StateArmed {
			session.State = StateExpired
			delete(c.armed, sboKey{nodeID, breakerID})
		}
		c.mu.Unlock()
		c.recordAudit(operator, "sbo.operate", nodeID, breakerID, ip, core.AuditFailure, "session expired")
		return nil, core.E(core.KindConflict, "session expired")
	}
	if session.State != StateArmed {
		c.mu.Unlock()
		c.recordAudit(operator, "sbo.operate", nodeID, breakerID, ip, core.AuditDenied, "session already "+string(session.State))
		return nil, core.Ef(core.KindConflict, "session is %s", session.State)
	}
	if session.Operator != operator {
		c.mu.Unlock()
		c.recordAudit(operator, "sbo.operate", nodeID, breakerID, ip, core.AuditDenied, "operator mismatch")
		return nil, core.Ef(core.KindConflict, "session belongs to %s", session.Operator)
	}
	// Consume the session before dispatching; a failed operate requires a
	// fresh select.
	session.State = StateOperated
	action := session.Action
	delete(c.armed, sboKey{nodeID, breakerID})
	c.mu.Unlock()

	cmd := protocol.Command{
		RequestID: uuid.NewString(),
		Type:      protocol.CmdSboOperate,
		BreakerID: breakerID,
		Action:    action,
		ClientIP:  ip,
	}

	opCtx, cancel := context.WithTimeout(ctx, OperateTimeout)
	defer cancel()
	reply, err := c.gateway.Execute(opCtx, nodeID, cmd)
	if err != nil {
		c.commandFailed(nodeID, breakerID, operator, ip, err.Error())
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, core.Ef(core.KindTimeout, "node %s did not answer operate within %s", nodeID, OperateTimeout)
		}
		return nil, core.Wrap(core.KindUnavailable, "dispatch operate", err)
	}
	if reply.Result != "Success" {
		c.commandFailed(nodeID, breakerID, operator, ip, reply.Error)
		return nil, core.Ef(core.KindInternal, "node %s rejected operate: %s", nodeID, reply.Error)
	}

	c.logger.Printf("breaker %s/%s operated (%s) by %s in %dms", nodeID, breakerID, action, operator, reply.ResponseTimeMs)
	c.recordAudit(operator, "sbo.operate", nodeID, breakerID, ip, core.AuditSuccess, "")
	return &OperateResult{
		Result:          "Success",
		RequestID:       cmd.RequestID,
		NodeID:          nodeID,
		BreakerID:       breakerID,
		NewBreakerState: reply.NewBreakerState,
		ResponseTimeMs:  reply.ResponseTimeMs,
	}, nil
}

func (c *Coordinator) commandFailed(nodeID, breakerID, operator, ip, reason string) {
	c.logger.Printf("operate on %s/%s by %s failed: %s", nodeID, breakerID, operator, reason)
	c.recordAudit(operator, "sbo.operate", nodeID, breakerID, ip, core.AuditFailure, reason)
	if c.alarms != nil {
		c.alarms.RaiseExternal(nodeID, alarm.CodeCommandFailure, map[string]interface{}{
			"breaker_id": breakerID,
			"operator":   operator,
			"reason":     reason,
		})
	}
}

// Cancel disarms the operator's own session.
func (c *Coordinator) Cancel(sessionID, operator, ip string) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok || session.State != StateArmed {
		c.mu.Unlock()
		return core.Ef(core.KindConflict, "session %s is not armed", sessionID)
	}
	if session.Operator != operator {
		c.mu.Unlock()
		return core.Ef(core.KindConflict, "session belongs to %s", session.Operator)
	}
	session.State = StateCancelled
	delete(c.armed, sboKey{session.NodeID, session.BreakerID})
	nodeID, breakerID := session.NodeID, session.BreakerID
	c.mu.Unlock()

	c.recordAudit(operator, "sbo.cancel", nodeID, breakerID, ip, core.AuditSuccess, "")
	return nil
}

// Isolate opens all breakers on the node via a single Isolate command.
func (c *Coordinator) Isolate(ctx context.Context, nodeID, operator, ip, reason string) (*OperateResult, error) {
	link, known := c.gateway.NodeLink(nodeID)
	if !known {
		return nil, core.Ef(core.KindNotFound, "node %s not found", nodeID)
	}
	if !link.Online() {
		c.recordAudit(operator, "control.isolate", nodeID, "", ip, core.AuditFailure, "node offline")
		return nil, core.Ef(core.KindUnavailable, "node %s is %s", nodeID, link)
	}

	cmd := protocol.Command{
		RequestID: uuid.NewString(),
		Type:      protocol.CmdIsolate,
		Reason:    reason,
	}
	opCtx, cancel := context.WithTimeout(ctx, OperateTimeout)
	defer cancel()
	reply, err := c.gateway.Execute(opCtx, nodeID, cmd)
	if err != nil {
		c.recordAudit(operator, "control.isolate", nodeID, "", ip, core.AuditFailure, err.Error())
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, core.Ef(core.KindTimeout, "node %s did not answer isolate within %s", nodeID, OperateTimeout)
		}
		return nil, core.Wrap(core.KindUnavailable, "dispatch isolate", err)
	}
	if reply.Result != "Success" {
		c.recordAudit(operator, "control.isolate", nodeID, "", ip, core.AuditFailure, reply.Error)
		return nil, core.Ef(core.KindInternal, "node %s rejected isolate: %s", nodeID, reply.Error)
	}

	c.logger.Printf("node %s isolated by %s", nodeID, operator)
	c.recordAudit(operator, "control.isolate", nodeID, "", ip, core.AuditSuccess, reason)
	return &OperateResult{
		Result:         "Success",
		RequestID:      cmd.RequestID,
		NodeID:         nodeID,
		ResponseTimeMs: reply.ResponseTimeMs,
	}, nil
}

// ActiveSessions lists the currently armed sessions.
func (c *Coordinator) ActiveSessions() []Session {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.armed))
	for _, id := range c.armed {
		if s := c.sessions[id]; s != nil && s.State == StateArmed && now.Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	return out
}

func (c *Coordinator) recordAudit(operator, action, nodeID, breakerID, ip string, result core.AuditResult, reason string) {
	if c.audit == nil {
		return
	}
	meta := map[string]interface{}{"breaker_id": breakerID}
	if reason != "" {
		meta["reason"] = reason
	}
	c.audit.Record(core.AuditEntry{
		OperatorID: operator,
		Action:     action,
		Resource:   "node",
		ResourceID: nodeID,
		Result:     result,
		IP:         ip,
		Metadata:   meta,
	})
}
