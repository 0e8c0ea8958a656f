package rtu

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/core"
)

func restGet(t *testing.T, s *Service, path string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.restHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	resp := rec.Result()
	defer resp.Body.Close()
	return resp, rec.Body.Bytes()
}

func TestRESTStatusReportsNodeState(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	s.sample(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))
	s.sample(time.Date(2026, 8, 20, 12, 0, 1, 0, time.UTC))

	resp, body := restGet(t, s, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got statusBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "GEN-001", got.NodeID)
	assert.Equal(t, core.KindGeneration, got.Kind)
	assert.Equal(t, uint64(2), got.Seq)
	assert.False(t, got.MasterConnected)
	// No session is attached, so both samples landed in the buffer.
	assert.Equal(t, 2, got.BufferedSamples)
	assert.Equal(t, core.BreakerClosed, got.Breakers[MainBreakerID("GEN-001")])
}

func TestRESTLatestTelemetry(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)

	resp, _ := restGet(t, s, "/telemetry/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.sample(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))
	resp, body := restGet(t, s, "/telemetry/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sample core.TelemetrySample
	require.NoError(t, json.Unmarshal(body, &sample))
	assert.Equal(t, "GEN-001", sample.NodeID)
	assert.Equal(t, uint64(1), sample.Seq)
	assert.Greater(t, sample.VoltageKV, 0.0)
}

func TestRESTSurfaceIsReadOnly(t *testing.T) {
	s := NewService(genDescriptor(), time.Second)
	rec := httptest.NewRecorder()
	s.restHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
