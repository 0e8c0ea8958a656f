package rtu

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// Modbus TCP surface: function 3 (read holding registers) over the live
// register map, function 6 (write single register) gated on the write
// allow-list. Every client connection is reported to the Master.

// Holding register map. Scaled integers, one register each.
const (
	regVoltage     = 0 // kV x100
	regCurrent     = 1 // A x10
	regActivePower = 2 // |MW| x10
	regReactive    = 3 // MVAR x10
	regPowerFactor = 4 // x1000
	regFrequency   = 5 // Hz x100
	regTemperature = 6 // degC x100, 0 when absent
	regBreaker     = 7 // 0 open, 1 closed, 2 tripped
	regPowerSign   = 8 // 0 positive, 1 negative
	regSeqLow      = 9 // low 16 bits of the sequence counter
	regCount       = 10
)

const (
	fcReadHolding = 0x03
	fcWriteSingle = 0x06

	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03
	excDeviceFailure   = 0x04
)

const mbapHeaderLen = 7

func (s *Service) startModbusListener(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.desc.ModbusPort))
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
				s.serveModbus(conn)
			}(conn)
		}
	}()
	return nil
}

func (s *Service) serveModbus(conn net.Conn) {
	defer conn.Close()

	ip, port := splitHostPort(conn.RemoteAddr())
	if s.isBlocked(ip) {
		return
	}

	rec := s.newConnectionRecord(core.ProtocolModbus, ip, port)
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

		var header [mbapHeaderLen]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		tid := binary.BigEndian.Uint16(header[0:2])
		proto := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unit := header[6]
		if proto != 0 || length < 2 || length > 256 {
			return
		}

		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		requests++

		resp := s.modbusPDU(pdu, ip)
		if err := writeModbusResponse(conn, tid, unit, resp); err != nil {
			return
		}
	}
}

func writeModbusResponse(conn net.Conn, tid uint16, unit byte, pdu []byte) error {
	out := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], tid)
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(pdu)+1))
	out[6] = unit
	copy(out[mbapHeaderLen:], pdu)
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := conn.Write(out)
	return err
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

func (s *Service) modbusPDU(pdu []byte, clientIP string) []byte {
	if len(pdu) == 0 {
		return exception(0, excIllegalFunction)
	}
	fc := pdu[0]
	switch fc {
	case fcReadHolding:
		if len(pdu) < 5 {
			return exception(fc, excIllegalValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		if count == 0 || count > regCount || int(addr)+int(count) > regCount {
			return exception(fc, excIllegalAddress)
		}
		regs := s.registerSnapshot()
		resp := make([]byte, 2+2*count)
		resp[0] = fc
		resp[1] = byte(2 * count)
		for i := uint16(0); i < count; i++ {
			binary.BigEndian.PutUint16(resp[2+2*i:], regs[addr+i])
		}
		return resp

	case fcWriteSingle:
		if len(pdu) < 5 {
			return exception(fc, excIllegalValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		value := binary.BigEndian.Uint16(pdu[3:5])
		if addr != regBreaker {
			return exception(fc, excIllegalAddress)
		}
		if !s.isAllowed(clientIP) {
			s.logger.Printf("modbus write from unauthorised client %s refused", clientIP)
			return exception(fc, excDeviceFailure)
		}
		var target core.BreakerState
		switch value {
		case 0:
			target = core.BreakerOpen
		case 1:
			target = core.BreakerClosed
		default:
			return exception(fc, excIllegalValue)
		}
		if _, err := s.SetBreaker(MainBreakerID(s.desc.NodeID), target); err != nil {
			return exception(fc, excDeviceFailure)
		}
		// Echo is the success response for function 6.
		resp := make([]byte, 5)
		copy(resp, pdu[:5])
		return resp

	default:
		return exception(fc, excIllegalFunction)
	}
}

// registerSnapshot projects the latest sample onto the register map.
func (s *Service) registerSnapshot() [regCount]uint16 {
	var regs [regCount]uint16

	s.mu.Lock()
	latest := s.latest
	seq := s.seq
	breaker := s.breakers[MainBreakerID(s.desc.NodeID)]
	s.mu.Unlock()

	if latest != nil {
		regs[regVoltage] = scaleReg(latest.VoltageKV, 100)
		regs[regCurrent] = scaleReg(latest.CurrentA, 10)
		power := latest.ActivePowerMW
		if power < 0 {
			power = -power
			regs[regPowerSign] = 1
		}
		regs[regActivePower] = scaleReg(power, 10)
		regs[regReactive] = scaleReg(latest.ReactivePowerMVAR, 10)
		regs[regPowerFactor] = scaleReg(latest.PowerFactor, 1000)
		regs[regFrequency] = scaleReg(latest.FrequencyHz, 100)
		if latest.TemperatureC != nil {
			regs[regTemperature] = scaleReg(*latest.TemperatureC, 100)
		}
	}
	switch breaker {
	case core.BreakerOpen:
		regs[regBreaker] = 0
	case core.BreakerClosed:
		regs[regBreaker] = 1
	case core.BreakerTripped:
		regs[regBreaker] = 2
	}
	regs[regSeqLow] = uint16(seq)
	return regs
}

func scaleReg(v float64, scale float64) uint16 {
	scaled := math.Round(v * scale)
	if scaled < 0 {
		return 0
	}
	if scaled > 65535 {
		return 65535
	}
	return uint16(scaled)
}

func splitHostPort(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
