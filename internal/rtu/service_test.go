package rtu

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/protocol"
)

func genDescriptor() core.NodeDescriptor {
	return core.NodeDescriptor{
		NodeID:           "GEN-001",
		Kind:             core.KindGeneration,
		Location:         "Korba Thermal",
		CapacityMW:       500,
		NominalVoltageKV: 400,
	}
}

func distDescriptor() core.NodeDescriptor {
	return core.NodeDescriptor{
		NodeID:           "DIST-001",
		Kind:             core.KindDistribution,
		Location:         "Raipur City",
		CapacityMW:       100,
		NominalVoltageKV: 132,
	}
}

func TestSimulatorProducesFiniteSeries(t *testing.T) {
	sim := NewSimulator(genDescriptor(), 1)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 1000; i++ {
		sample := sim.Next(now.Add(time.Duration(i)*time.Second), core.BreakerClosed, time.Second)
		require.Equal(t, core.QualityGood, sample.Quality)
		require.False(t, math.IsNaN(sample.FrequencyHz))
		require.Greater(t, sample.VoltageKV, 0.0)
		require.GreaterOrEqual(t, sample.ActivePowerMW, 0.0)
	}
}

func TestSimulatorDistributionPowerIsNegative(t *testing.T) {
	sim := NewSimulator(distDescriptor(), 1)
	now := time.Date(2026, 8, 20, 20, 0, 0, 0, time.UTC) // evening peak

	sample := sim.Next(now, core.BreakerClosed, time.Second)
	assert.Negative(t, sample.ActivePowerMW)
	// Distribution feeders carry no transformer temperature.
	assert.Nil(t, sample.TemperatureC)
}

func TestSimulatorOpenBreakerZeroesPower(t *testing.T) {
	sim := NewSimulator(genDescriptor(), 1)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	sample := sim.Next(now, core.BreakerOpen, time.Second)
	assert.Zero(t, sample.ActivePowerMW)
	assert.Zero(t, sample.CurrentA)
	assert.Equal(t, core.BreakerOpen, sample.BreakerState)
}

func TestSimulatorEnergyAccumulates(t *testing.T) {
	sim := NewSimulator(genDescriptor(), 1)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	first := sim.Next(now, core.BreakerClosed, time.Second)
	second := sim.Next(now.Add(time.Second), core.BreakerClosed, time.Second)
	assert.Greater(t, second.EnergyDeliveredMWH, first.EnergyDeliveredMWH)
}

func TestSolarPlantFollowsTheSun(t *testing.T) {
	solar := core.NodeDescriptor{
		NodeID: "GEN-003", Kind: core.KindGeneration,
		CapacityMW: 200, NominalVoltageKV: 400,
	}
	sim := NewSimulator(solar, 1)

	noon := sim.Next(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC), core.BreakerClosed, time.Second)
	night := sim.Next(time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC), core.BreakerClosed, time.Second)

	assert.Greater(t, noon.ActivePowerMW, 100.0)
	assert.Zero(t, night.ActivePowerMW)
}

func TestExecuteSboOperate(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)

	reply := s.Execute(protocol.Command{
		RequestID: "req-1",
		Type:      protocol.CmdSboOperate,
		BreakerID: MainBreakerID("GEN-001"),
		Action:    protocol.ActionOpen,
	})
	assert.Equal(t, "Success", reply.Result)
	assert.Equal(t, core.BreakerOpen, reply.NewBreakerState)
	assert.Equal(t, core.BreakerOpen, s.BreakerStates()[MainBreakerID("GEN-001")])

	// Unknown breaker is a failure reply, not a dropped command.
	reply = s.Execute(protocol.Command{
		RequestID: "req-2",
		Type:      protocol.CmdSboOperate,
		BreakerID: "BRK-BOGUS",
		Action:    protocol.ActionClose,
	})
	assert.Equal(t, "Failure", reply.Result)
	assert.Contains(t, reply.Error, "not found")
}

func TestExecuteIsolateOpensAllBreakers(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)

	reply := s.Execute(protocol.Command{RequestID: "req-1", Type: protocol.CmdIsolate, Reason: "maintenance"})
	assert.Equal(t, "Success", reply.Result)
	for _, state := range s.BreakerStates() {
		assert.Equal(t, core.BreakerOpen, state)
	}
}

func TestExecuteBlockAndUnknownCommand(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)

	reply := s.Execute(protocol.Command{RequestID: "req-1", Type: protocol.CmdBlock, ClientIP: "198.51.100.7"})
	assert.Equal(t, "Success", reply.Result)
	assert.True(t, s.isBlocked("198.51.100.7"))

	reply = s.Execute(protocol.Command{RequestID: "req-2", Type: protocol.CommandType("Reboot")})
	assert.Equal(t, "Failure", reply.Result)
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	for i := 0; i < bufferCap+10; i++ {
		s.sample(now.Add(time.Duration(i) * time.Second))
	}

	backlog := s.drainBuffer()
	require.Len(t, backlog, bufferCap)
	assert.Equal(t, uint64(11), backlog[0].Seq)
	assert.Equal(t, uint64(bufferCap+10), backlog[len(backlog)-1].Seq)

	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	assert.Equal(t, uint64(10), dropped)
}

func TestAllowListGatesModbusWrites(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	s.SetAllowedIPs([]string{"10.0.0.1"})

	assert.True(t, s.isAllowed("10.0.0.1"))
	assert.False(t, s.isAllowed("198.51.100.7"))

	// A blocked IP loses write access even when allow-listed.
	s.Execute(protocol.Command{Type: protocol.CmdBlock, ClientIP: "10.0.0.1"})
	assert.False(t, s.isAllowed("10.0.0.1"))
}

func writePDU(fc byte, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

func TestModbusReadHoldingRegisters(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	s.sample(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))

	resp := s.modbusPDU(writePDU(fcReadHolding, 0, regCount), "198.51.100.7")
	require.Equal(t, byte(fcReadHolding), resp[0])
	require.Equal(t, byte(2*regCount), resp[1])
	require.Len(t, resp, 2+2*regCount)

	freq := binary.BigEndian.Uint16(resp[2+2*regFrequency:])
	assert.InDelta(t, 5000, int(freq), 20) // Hz x100 near nominal

	breaker := binary.BigEndian.Uint16(resp[2+2*regBreaker:])
	assert.Equal(t, uint16(1), breaker) // closed
}

func TestModbusReadRejectsBadRange(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)

	resp := s.modbusPDU(writePDU(fcReadHolding, 8, 5), "10.0.0.1")
	assert.Equal(t, []byte{fcReadHolding | 0x80, excIllegalAddress}, resp)

	resp = s.modbusPDU(writePDU(fcReadHolding, 0, 0), "10.0.0.1")
	assert.Equal(t, []byte{fcReadHolding | 0x80, excIllegalAddress}, resp)
}

func TestModbusWriteSingleRegister(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	s.SetAllowedIPs([]string{"10.0.0.1"})

	// Authorised write opens the breaker; success echoes the request.
	req := writePDU(fcWriteSingle, regBreaker, 0)
	resp := s.modbusPDU(req, "10.0.0.1")
	assert.Equal(t, req, resp)
	assert.Equal(t, core.BreakerOpen, s.BreakerStates()[MainBreakerID("GEN-001")])

	// Unauthorised client gets a device-failure exception.
	resp = s.modbusPDU(writePDU(fcWriteSingle, regBreaker, 1), "198.51.100.7")
	assert.Equal(t, []byte{fcWriteSingle | 0x80, excDeviceFailure}, resp)

	// Only the breaker register is writable.
	resp = s.modbusPDU(writePDU(fcWriteSingle, regVoltage, 1), "10.0.0.1")
	assert.Equal(t, []byte{fcWriteSingle | 0x80, excIllegalAddress}, resp)

	// Value outside {0, 1} is illegal.
	resp = s.modbusPDU(writePDU(fcWriteSingle, regBreaker, 9), "10.0.0.1")
	assert.Equal(t, []byte{fcWriteSingle | 0x80, excIllegalValue}, resp)
}

func TestModbusUnknownFunction(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	resp := s.modbusPDU([]byte{0x10, 0, 0}, "10.0.0.1")
	assert.Equal(t, []byte{0x10 | 0x80, excIllegalFunction}, resp)
}

func TestRegisterSnapshotScaling(t *testing.T) {
	s := NewService(distDescriptor(), time.Second)

	temp := 72.5
	s.mu.Lock()
	s.latest = &core.TelemetrySample{
		NodeID:        "DIST-001",
		VoltageKV:     132.4,
		CurrentA:      240.2,
		ActivePowerMW: -84.3,
		PowerFactor:   0.95,
		FrequencyHz:   49.97,
		TemperatureC:  &temp,
	}
	s.seq = 70000
	s.mu.Unlock()

	regs := s.registerSnapshot()
	assert.Equal(t, uint16(13240), regs[regVoltage])
	assert.Equal(t, uint16(2402), regs[regCurrent])
	assert.Equal(t, uint16(843), regs[regActivePower])
	assert.Equal(t, uint16(1), regs[regPowerSign])
	assert.Equal(t, uint16(950), regs[regPowerFactor])
	assert.Equal(t, uint16(4997), regs[regFrequency])
	assert.Equal(t, uint16(7250), regs[regTemperature])
	assert.Equal(t, uint16(70000%65536), regs[regSeqLow])
}
