// Package rtu implements the node-side service: the telemetry sampler,
// breaker state, the control channel the Master dials into, and the
// Modbus TCP and IEC 60870-5-104 field interfaces.
package rtu

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/protocol"
)

const (
	// bufferCap bounds the store-and-forward telemetry buffer kept while
	// the Master is away. Oldest samples are dropped on overflow.
	bufferCap = 3600

	defaultSamplingInterval = 1 * time.Second
	heartbeatInterval       = 15 * time.Second
)

// MainBreakerID names the node's main breaker.
func MainBreakerID(nodeID string) string { return "BRK-" + nodeID }

// Service is one running RTU.
type Service struct {
	desc     core.NodeDescriptor
	interval time.Duration
	sim      *Simulator
	logger   *log.Logger

	mu       sync.Mutex
	breakers map[string]core.BreakerState
	seq      uint64
	latest   *core.TelemetrySample
	buffer   []core.TelemetrySample
	dropped  uint64
	blocked  map[string]bool
	allowed  map[string]bool
	session  *masterSession
	started  time.Time

	reports chan core.ConnectionRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the RTU for one catalogue descriptor.
func NewService(desc core.NodeDescriptor, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultSamplingInterval
	}
	return &Service{
		desc:     desc,
		interval: interval,
		sim:      NewSimulator(desc, int64(hashNodeID(desc.NodeID))),
		logger:   log.New(log.Writer(), "[RTU "+desc.NodeID+"] ", log.LstdFlags),
		breakers: map[string]core.BreakerState{MainBreakerID(desc.NodeID): core.BreakerClosed},
		blocked:  make(map[string]bool),
		allowed:  make(map[string]bool),
		reports:  make(chan core.ConnectionRecord, 128),
		started:  time.Now().UTC(),
	}
}

func hashNodeID(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h = (h ^ uint32(id[i])) * 16777619
	}
	return h
}

// Start launches the sampler and the listeners.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.startControlListener(ctx); err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	if err := s.startModbusListener(ctx); err != nil {
		return fmt.Errorf("modbus listener: %w", err)
	}
	if err := s.startIEC104Listener(ctx); err != nil {
		return fmt.Errorf("iec104 listener: %w", err)
	}
	if err := s.startRESTListener(ctx); err != nil {
		return fmt.Errorf("rest listener: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sampleLoop(ctx)
	}()

	s.logger.Printf("started: control=%d modbus=%d iec104=%d rest=%d",
		s.desc.ControlPort, s.desc.ModbusPort, s.desc.IEC104Port, s.desc.RESTPort)
	return nil
}

// Stop tears the service down and waits for the listeners.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sample(now.UTC())
		}
	}
}

func (s *Service) sample(now time.Time) {
	s.mu.Lock()
	breaker := s.breakers[MainBreakerID(s.desc.NodeID)]
	s.seq++
	sample := s.sim.Next(now, breaker, s.interval)
	sample.Seq = s.seq
	s.latest = &sample
	session := s.session
	s.mu.Unlock()

	if session == nil || !session.offerTelemetry(sample) {
		s.bufferSample(sample)
	}
}

func (s *Service) bufferSample(sample core.TelemetrySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= bufferCap {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	s.buffer = append(s.buffer, sample)
}

// drainBuffer hands the buffered backlog over and clears it.
func (s *Service) drainBuffer() []core.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

// Latest returns the most recent sample.
func (s *Service) Latest() *core.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

// BreakerStates copies the breaker table.
func (s *Service) BreakerStates() map[string]core.BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.BreakerState, len(s.breakers))
	for id, st := range s.breakers {
		out[id] = st
	}
	return out
}

// SetBreaker applies a state change and returns the previous state.
func (s *Service) SetBreaker(breakerID string, state core.BreakerState) (core.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.breakers[breakerID]
	if !ok {
		return "", core.Ef(core.KindNotFound, "breaker %s not found", breakerID)
	}
	s.breakers[breakerID] = state
	return prev, nil
}

// isBlocked reports whether the client IP was blocked by the Master.
func (s *Service) isBlocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[ip]
}

// SetAllowedIPs seeds the local write allow-list used by the Modbus
// surface. Reads stay open; only writes are gated.
func (s *Service) SetAllowedIPs(ips []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ip := range ips {
		s.allowed[ip] = true
	}
}

// isAllowed reports whether the client IP may issue Modbus writes.
func (s *Service) isAllowed(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[ip] && !s.blocked[ip]
}

// Execute applies one Master command and builds the reply.
func (s *Service) Execute(cmd protocol.Command) protocol.Reply {
	start := time.Now()
	reply := protocol.Reply{RequestID: cmd.RequestID, Result: "Success"}

	switch cmd.Type {
	case protocol.CmdPing:
		// nothing to do

	case protocol.CmdSboOperate:
		target := core.BreakerOpen
		if cmd.Action == protocol.ActionClose {
			target = core.BreakerClosed
		}
		if _, err := s.SetBreaker(cmd.BreakerID, target); err != nil {
			reply.Result = "Failure"
			reply.Error = err.Error()
			break
		}
		s.logger.Printf("breaker %s -> %s", cmd.BreakerID, target)
		reply.NewBreakerState = target
		s.pushEvent(protocol.Event{
			Type:         protocol.EventBreakerChange,
			NodeID:       s.desc.NodeID,
			BreakerID:    cmd.BreakerID,
			BreakerState: target,
			Timestamp:    time.Now().UTC(),
		})

	case protocol.CmdIsolate:
		s.mu.Lock()
		for id := range s.breakers {
			s.breakers[id] = core.BreakerOpen
		}
		s.mu.Unlock()
		s.logger.Printf("isolated: all breakers open (%s)", cmd.Reason)
		reply.NewBreakerState = core.BreakerOpen
		for id := range s.BreakerStates() {
			s.pushEvent(protocol.Event{
				Type:         protocol.EventBreakerChange,
				NodeID:       s.desc.NodeID,
				BreakerID:    id,
				BreakerState: core.BreakerOpen,
				Timestamp:    time.Now().UTC(),
			})
		}

	case protocol.CmdBlock:
		s.mu.Lock()
		s.blocked[cmd.ClientIP] = true
		s.mu.Unlock()
		s.logger.Printf("blocking client %s", cmd.ClientIP)

	default:
		reply.Result = "Failure"
		reply.Error = fmt.Sprintf("unknown command type %q", cmd.Type)
	}

	reply.ResponseTimeMs = time.Since(start).Milliseconds()
	return reply
}

// pushEvent forwards an event to the live session, if any.
func (s *Service) pushEvent(ev protocol.Event) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		session.offerEvent(ev)
	}
}

// reportConnection queues a connection record for the Master. Dropped if
// no session picks it up in time.
func (s *Service) reportConnection(rec core.ConnectionRecord) {
	select {
	case s.reports <- rec:
	default:
	}
}

func (s *Service) newConnectionRecord(proto core.Protocol, clientIP string, clientPort int) core.ConnectionRecord {
	return core.ConnectionRecord{
		ConnectionID: fmt.Sprintf("%s-%s-%d-%s-%d", s.desc.NodeID, clientIP, clientPort, proto, time.Now().UnixNano()),
		NodeID:       s.desc.NodeID,
		ClientIP:     clientIP,
		ClientPort:   clientPort,
		Protocol:     proto,
		ConnectedAt:  time.Now().UTC(),
	}
}
