package rtu

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// IEC 60870-5-104 surface: link-layer supervision only. The RTU answers
// STARTDT/STOPDT/TESTFR activations with their confirmations and ignores
// I-frames; telemetry exchange happens on the control channel.

const (
	iecStartByte = 0x68

	uStartDTAct = 0x07
	uStartDTCon = 0x0B
	uStopDTAct  = 0x13
	uStopDTCon  = 0x23
	uTestFRAct  = 0x43
	uTestFRCon  = 0x83
)

func (s *Service) startIEC104Listener(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.desc.IEC104Port))
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
				s.serveIEC104(conn)
			}(conn)
		}
	}()
	return nil
}

func (s *Service) serveIEC104(conn net.Conn) {
	defer conn.Close()

	ip, port := splitHostPort(conn.RemoteAddr())
	if s.isBlocked(ip) {
		return
	}

	rec := s.newConnectionRecord(core.ProtocolIEC104, ip, port)
	s.reportConnection(rec)
	var requests int64
	defer func() {
		now := time.Now().UTC()
		rec.DisconnectedAt = &now
		rec.RequestsCount = requests
		s.reportConnection(rec)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))

		var head [2]byte
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return
		}
		if head[0] != iecStartByte {
			return
		}
		length := int(head[1])
		if length < 4 || length > 253 {
			return
		}
		apdu := make([]byte, length)
		if _, err := io.ReadFull(conn, apdu); err != nil {
			return
		}
		requests++

		// U-format frames have bits 0-1 of the first control octet set.
		if apdu[0]&0x03 != 0x03 {
			continue
		}
		var con byte
		switch apdu[0] {
		case uStartDTAct:
			con = uStartDTCon
		case uStopDTAct:
			con = uStopDTCon
		case uTestFRAct:
			con = uTestFRCon
		default:
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write([]byte{iecStartByte, 0x04, con, 0x00, 0x00, 0x00}); err != nil {
			return
		}
	}
}
