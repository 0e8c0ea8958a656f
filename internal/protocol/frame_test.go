package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/core"
)

func TestFrameRoundTrip(t *testing.T) {
	temp := 72.5
	frames := []*Frame{
		{Kind: KindHello, Hello: &Hello{
			Descriptor:    core.NodeDescriptor{NodeID: "GEN-001", Kind: core.KindGeneration, CapacityMW: 500},
			BreakerStates: map[string]core.BreakerState{"BRK-GEN-001": core.BreakerClosed},
			BufferedCount: 12,
			StartedAt:     time.Now().UTC().Truncate(time.Second),
		}},
		{Kind: KindTelemetry, Telemetry: &core.TelemetrySample{
			NodeID:       "SUB-003",
			Seq:          42,
			Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
			VoltageKV:    398.2,
			FrequencyHz:  49.97,
			TemperatureC: &temp,
			BreakerState: core.BreakerClosed,
			Quality:      core.QualityGood,
		}},
		{Kind: KindCommand, Command: &Command{
			RequestID: "req-1",
			Type:      CmdSboOperate,
			BreakerID: "BRK-SUB-003",
			Action:    ActionOpen,
		}},
		{Kind: KindReply, Reply: &Reply{
			RequestID:       "req-1",
			Result:          "Success",
			NewBreakerState: core.BreakerOpen,
			ResponseTimeMs:  17,
		}},
		NewHeartbeat(),
	}

	for _, in := range frames {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, in))

		out, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, in.Kind, out.Kind)
	}
}

func TestFrameTelemetryFieldsSurvive(t *testing.T) {
	var buf bytes.Buffer
	sample := &core.TelemetrySample{NodeID: "DIST-002", Seq: 7, ActivePowerMW: -84.3, Quality: core.QualitySuspect}
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindTelemetry, Telemetry: sample}))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, out.Telemetry)
	assert.Equal(t, "DIST-002", out.Telemetry.NodeID)
	assert.Equal(t, uint64(7), out.Telemetry.Seq)
	assert.InDelta(t, -84.3, out.Telemetry.ActivePowerMW, 1e-9)
	assert.Equal(t, core.QualitySuspect, out.Telemetry.Quality)
	assert.Nil(t, out.Telemetry.TemperatureC)
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	body := []byte(`{"kind":"Teleport"}`)
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame kind")
}

func TestReadFrameRejectsBogusLength(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)

	buf.Reset()
	binary.BigEndian.PutUint32(prefix[:], 0)
	buf.Write(prefix[:])
	_, err = ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteFrameRejectsMissingPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{Kind: KindCommand})
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}
