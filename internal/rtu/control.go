package rtu

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/protocol"
)

const sessionQueueSize = 256

// masterSession is one live Master control connection. Only one session is
// active at a time; a newer connection supersedes the old one.
type masterSession struct {
	conn net.Conn
	out  chan *protocol.Frame

	done     chan struct{}
	doneOnce sync.Once
}

func newMasterSession(conn net.Conn) *masterSession {
	return &masterSession{
		conn: conn,
		out:  make(chan *protocol.Frame, sessionQueueSize),
		done: make(chan struct{}),
	}
}

func (m *masterSession) close() {
	m.doneOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}

// offer enqueues a frame without blocking the sampler.
func (m *masterSession) offer(f *protocol.Frame) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.out <- f:
		return true
	case <-m.done:
		return false
	default:
		return false
	}
}

func (m *masterSession) offerTelemetry(sample core.TelemetrySample) bool {
	return m.offer(&protocol.Frame{Kind: protocol.KindTelemetry, Telemetry: &sample})
}

func (m *masterSession) offerEvent(ev protocol.Event) bool {
	return m.offer(&protocol.Frame{Kind: protocol.KindEvent, Event: &ev})
}

// startControlListener accepts Master connections on the control port.
func (s *Service) startControlListener(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.desc.ControlPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func(conn net.Conn) {
				defer s.wg.Done()
				s.runMasterSession(ctx, conn)
			}(conn)
		}
	}()
	return nil
}

// runMasterSession owns one Master connection end to end.
func (s *Service) runMasterSession(ctx context.Context, conn net.Conn) {
	session := newMasterSession(conn)
	defer session.close()

	s.mu.Lock()
	if prev := s.session; prev != nil {
		s.logger.Printf("control connection superseded by %s", conn.RemoteAddr())
		prev.close()
	}
	s.session = session
	hello := &protocol.Hello{
		Descriptor:    s.desc,
		BreakerStates: s.breakersLocked(),
		BufferedCount: len(s.buffer),
		StartedAt:     s.started,
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.session == session {
			s.session = nil
		}
		s.mu.Unlock()
	}()

	// Handshake: Hello first, then the full snapshot, then the backlog.
	if err := s.writeFrame(session, &protocol.Frame{Kind: protocol.KindHello, Hello: hello}); err != nil {
		return
	}
	snap := &protocol.Snapshot{Latest: s.Latest(), BreakerStates: s.BreakerStates()}
	if err := s.writeFrame(session, &protocol.Frame{Kind: protocol.KindSnapshot, Snapshot: snap}); err != nil {
		return
	}
	backlog := s.drainBuffer()
	if len(backlog) > 0 {
		s.logger.Printf("draining %d buffered samples", len(backlog))
	}
	for i := range backlog {
		if err := s.writeFrame(session, &protocol.Frame{Kind: protocol.KindTelemetry, Telemetry: &backlog[i]}); err != nil {
			return
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sessionWritePump(sessionCtx, session)
	}()

	// Read loop: commands and heartbeats from the Master.
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			break
		}
		switch frame.Kind {
		case protocol.KindCommand:
			reply := s.Execute(*frame.Command)
			session.offer(&protocol.Frame{Kind: protocol.KindReply, Reply: &reply})
		case protocol.KindHeartbeat:
			// nothing; inbound traffic itself proves liveness
		default:
			s.logger.Printf("unexpected %s frame from master", frame.Kind)
		}
	}

	cancel()
	session.close()
	wg.Wait()
}

func (s *Service) breakersLocked() map[string]core.BreakerState {
	out := make(map[string]core.BreakerState, len(s.breakers))
	for id, st := range s.breakers {
		out[id] = st
	}
	return out
}

func (s *Service) writeFrame(session *masterSession, f *protocol.Frame) error {
	session.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return protocol.WriteFrame(session.conn, f)
}

// sessionWritePump serialises queued frames, connection reports and
// heartbeats onto the wire.
func (s *Service) sessionWritePump(ctx context.Context, session *masterSession) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.done:
			return
		case frame := <-session.out:
			if err := s.writeFrame(session, frame); err != nil {
				session.close()
				return
			}
		case rec := <-s.reports:
			f := &protocol.Frame{Kind: protocol.KindConnectionReport, Connection: &rec}
			if err := s.writeFrame(session, f); err != nil {
				session.close()
				return
			}
		case <-heartbeat.C:
			if err := s.writeFrame(session, protocol.NewHeartbeat()); err != nil {
				session.close()
				return
			}
		}
	}
}
