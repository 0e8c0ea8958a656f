package registry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
	"github.com/gridworks/scada/internal/protocol"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	// degradeThreshold is the silence after which the link turns Degraded.
	degradeThreshold = 15 * time.Second
	// failureThreshold is the silence after which the link is declared dead.
	failureThreshold = 60 * time.Second
	helloTimeout     = 5 * time.Second
	writeTimeout     = 10 * time.Second

	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second

	outgoingQueueSize = 64
)

// supervisor owns one node's control channel. All link state transitions
// happen on the run goroutine or the session monitor it spawns.
type supervisor struct {
	desc       core.NodeDescriptor
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	degrade    time.Duration
	failure    time.Duration
	logger     *log.Logger

	mu          sync.RWMutex
	state       core.LinkState
	breakers    map[string]core.BreakerState
	lastSeq     uint64
	connectedAt *time.Time
	lastFrameAt *time.Time
	outgoing    chan *protocol.Frame // nil when no session is live
	pending     map[string]chan *protocol.Reply
}

func newSupervisor(desc core.NodeDescriptor, dispatcher Dispatcher, m *metrics.Metrics, heartbeat time.Duration) *supervisor {
	s := &supervisor{
		desc:       desc,
		dispatcher: dispatcher,
		metrics:    m,
		heartbeat:  heartbeat,
		degrade:    degradeThreshold,
		failure:    failureThreshold,
		logger:     log.New(log.Writer(), "[LINK "+desc.NodeID+"] ", log.LstdFlags),
		state:      core.LinkConnecting,
		breakers:   make(map[string]core.BreakerState),
		pending:    make(map[string]chan *protocol.Reply),
	}
	if m != nil {
		m.SetLinkState(desc.NodeID, string(core.LinkConnecting))
	}
	return s
}

func (s *supervisor) linkState() core.LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *supervisor) view() NodeView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	breakers := make(map[string]core.BreakerState, len(s.breakers))
	for id, st := range s.breakers {
		breakers[id] = st
	}
	return NodeView{
		Descriptor:    s.desc,
		Link:          s.state,
		BreakerStates: breakers,
		LastSeq:       s.lastSeq,
		ConnectedAt:   s.connectedAt,
		LastFrameAt:   s.lastFrameAt,
	}
}

func (s *supervisor) setState(to core.LinkState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Printf("link %s -> %s", from, to)
	if s.metrics != nil {
		s.metrics.SetLinkState(s.desc.NodeID, string(to))
	}
	if s.dispatcher != nil {
		s.dispatcher.HandleLinkChange(s.desc.NodeID, from, to)
	}
}

// run is the connection loop: dial, run the session until it dies, back
// off with full jitter, repeat. Downtime past the failure threshold moves
// the link to Offline while retries continue.
func (s *supervisor) run(ctx context.Context) {
	attempt := 0
	var downSince time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		addr := fmt.Sprintf("%s:%d", s.desc.NodeIP, s.desc.ControlPort)
		dialer := net.Dialer{Timeout: helloTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			attempt = 0
			downSince = time.Time{}
			s.session(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			s.setState(core.LinkReconnecting)
			if s.metrics != nil {
				s.metrics.Reconnects.WithLabelValues(s.desc.NodeID).Inc()
			}
			downSince = time.Now()
		} else if downSince.IsZero() {
			downSince = time.Now()
		}

		if !downSince.IsZero() && time.Since(downSince) > s.failure {
			s.setState(core.LinkOffline)
		}

		// Full-jitter backoff: sleep uniformly in [0, min(max, base*2^n)].
		ceiling := backoffBase << uint(attempt)
		if ceiling > backoffMax || ceiling <= 0 {
			ceiling = backoffMax
		}
		delay := time.Duration(rand.Int63n(int64(ceiling) + 1))
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session drives one live connection from Hello to teardown.
func (s *supervisor) session(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The RTU speaks first: Hello within the handshake window.
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		s.logger.Printf("handshake failed: %v", err)
		return
	}
	if frame.Kind != protocol.KindHello {
		s.logger.Printf("handshake failed: first frame was %s", frame.Kind)
		return
	}
	conn.SetReadDeadline(time.Time{})

	hello := frame.Hello
	now := time.Now().UTC()
	outgoing := make(chan *protocol.Frame, outgoingQueueSize)

	s.mu.Lock()
	s.breakers = make(map[string]core.BreakerState, len(hello.BreakerStates))
	for id, st := range hello.BreakerStates {
		s.breakers[id] = st
	}
	// Sequence numbers restart with every RTU session.
	s.lastSeq = 0
	s.connectedAt = &now
	s.lastFrameAt = &now
	s.outgoing = outgoing
	s.mu.Unlock()

	s.logger.Printf("connected, %d buffered samples pending", hello.BufferedCount)
	s.setState(core.LinkConnected)
	s.countFrame(protocol.KindHello)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(sessionCtx, conn, outgoing)
	}()
	go func() {
		defer wg.Done()
		s.monitor(sessionCtx, cancel, conn)
	}()

	s.readPump(sessionCtx, conn)

	cancel()
	conn.Close()
	wg.Wait()

	disconnected := time.Now().UTC()
	s.mu.Lock()
	s.outgoing = nil
	s.connectedAt = nil
	s.lastFrameAt = &disconnected
	pending := s.pending
	s.pending = make(map[string]chan *protocol.Reply)
	s.mu.Unlock()

	// Wake every caller still waiting on a reply.
	for _, ch := range pending {
		close(ch)
	}
}

// readPump consumes frames until the connection dies. It runs on the
// session goroutine, so dispatch order per node equals wire order.
func (s *supervisor) readPump(ctx context.Context, conn net.Conn) {
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf("read failed: %v", err)
			}
			return
		}

		now := time.Now().UTC()
		s.mu.Lock()
		s.lastFrameAt = &now
		s.mu.Unlock()
		s.countFrame(frame.Kind)

		switch frame.Kind {
		case protocol.KindTelemetry:
			s.handleTelemetry(*frame.Telemetry)
		case protocol.KindSnapshot:
			s.handleSnapshot(*frame.Snapshot)
		case protocol.KindEvent:
			s.handleEvent(*frame.Event)
		case protocol.KindConnectionReport:
			if s.dispatcher != nil {
				s.dispatcher.HandleConnectionReport(*frame.Connection)
			}
		case protocol.KindReply:
			s.routeReply(frame.Reply)
		case protocol.KindHeartbeat:
			// lastFrameAt update above is all a heartbeat carries
		default:
			s.logger.Printf("unexpected %s frame mid-session", frame.Kind)
		}
	}
}

func (s *supervisor) handleTelemetry(sample core.TelemetrySample) {
	s.mu.Lock()
	if sample.Seq < s.lastSeq {
		// RTU restarted mid-session; accept the reset and continue.
		s.logger.Printf("sequence reset: %d after %d", sample.Seq, s.lastSeq)
	}
	s.lastSeq = sample.Seq
	if sample.BreakerState != "" {
		s.breakers["BRK-"+s.desc.NodeID] = sample.BreakerState
	}
	s.mu.Unlock()

	if s.dispatcher != nil {
		s.dispatcher.HandleTelemetry(s.desc.NodeID, sample)
	}
}

func (s *supervisor) handleSnapshot(snap protocol.Snapshot) {
	s.mu.Lock()
	for id, st := range snap.BreakerStates {
		s.breakers[id] = st
	}
	s.mu.Unlock()

	if s.dispatcher != nil {
		s.dispatcher.HandleSnapshot(s.desc.NodeID, snap)
	}
}

func (s *supervisor) handleEvent(ev protocol.Event) {
	if ev.Type == protocol.EventBreakerChange && ev.BreakerID != "" {
		s.mu.Lock()
		s.breakers[ev.BreakerID] = ev.BreakerState
		s.mu.Unlock()
	}
	if s.dispatcher != nil {
		s.dispatcher.HandleEvent(s.desc.NodeID, ev)
	}
}

// writePump serialises all outbound frames onto the connection.
func (s *supervisor) writePump(ctx context.Context, conn net.Conn, outgoing <-chan *protocol.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outgoing:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(conn, frame); err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("write failed: %v", err)
				}
				conn.Close()
				return
			}
		}
	}
}

// monitor sends heartbeats and enforces the silence thresholds: the
// degrade threshold turns the link Degraded, the failure threshold kills
// the session.
func (s *supervisor) monitor(ctx context.Context, cancel context.CancelFunc, conn net.Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(protocol.NewHeartbeat())

			s.mu.RLock()
			last := s.lastFrameAt
			s.mu.RUnlock()
			if last == nil {
				continue
			}
			gap := time.Since(*last)
			switch {
			case gap > s.failure:
				s.logger.Printf("no frames for %s, dropping link", gap.Round(time.Second))
				cancel()
				conn.Close()
				return
			case gap > s.degrade:
				s.setState(core.LinkDegraded)
			default:
				if s.linkState() == core.LinkDegraded {
					s.setState(core.LinkConnected)
				}
			}
		}
	}
}

// enqueue offers a frame to the live session, dropping it if none exists
// or the queue is full.
func (s *supervisor) enqueue(frame *protocol.Frame) bool {
	s.mu.RLock()
	outgoing := s.outgoing
	s.mu.RUnlock()
	if outgoing == nil {
		return false
	}
	select {
	case outgoing <- frame:
		return true
	default:
		s.logger.Printf("outgoing queue full, dropping %s frame", frame.Kind)
		return false
	}
}

// execute sends a command and waits for the matching reply.
func (s *supervisor) execute(ctx context.Context, cmd protocol.Command) (*protocol.Reply, error) {
	if !s.linkState().Online() {
		return nil, core.Ef(core.KindUnavailable, "node %s is %s", s.desc.NodeID, s.linkState())
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	replyCh := make(chan *protocol.Reply, 1)
	s.mu.Lock()
	s.pending[cmd.RequestID] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, cmd.RequestID)
		s.mu.Unlock()
	}()

	if !s.enqueue(&protocol.Frame{Kind: protocol.KindCommand, Command: &cmd}) {
		return nil, core.Ef(core.KindUnavailable, "node %s has no live control channel", s.desc.NodeID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-replyCh:
		if !ok {
			return nil, core.Ef(core.KindUnavailable, "link to %s lost before reply", s.desc.NodeID)
		}
		return reply, nil
	}
}

func (s *supervisor) routeReply(reply *protocol.Reply) {
	s.mu.Lock()
	ch, ok := s.pending[reply.RequestID]
	if ok {
		delete(s.pending, reply.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Fire-and-forget commands (Block, Ping broadcasts) land here.
		return
	}
	ch <- reply
}

// sendBlock pushes a fire-and-forget Block command onto the session.
func (s *supervisor) sendBlock(clientIP string) {
	s.enqueue(&protocol.Frame{
		Kind: protocol.KindCommand,
		Command: &protocol.Command{
			RequestID: uuid.NewString(),
			Type:      protocol.CmdBlock,
			ClientIP:  clientIP,
		},
	})
}

func (s *supervisor) countFrame(kind protocol.FrameKind) {
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(s.desc.NodeID, string(kind)).Inc()
	}
}
