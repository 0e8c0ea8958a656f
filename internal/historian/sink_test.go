package historian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
)

func alarmFixture() alarm.Alarm {
	return alarm.Alarm{
		AlarmID:  "alarm-1",
		NodeID:   "SUB-001",
		Code:     alarm.CodeUnderfrequency,
		Severity: alarm.SeverityCritical,
		State:    alarm.StateRaised,
		RaisedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Details:  map[string]interface{}{"frequency_hz": 49.3},
	}
}

func newTestSink(t *testing.T, opts Options) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewWithDB(db, opts, metrics.NewForTesting()), mock
}

func sampleRow() core.TelemetrySample {
	return core.TelemetrySample{
		NodeID:       "SUB-001",
		Seq:          7,
		Timestamp:    time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		VoltageKV:    399.1,
		FrequencyHz:  50.01,
		BreakerState: core.BreakerClosed,
		Quality:      core.QualityGood,
	}
}

func TestFlushWritesBatchInOneTransaction(t *testing.T) {
	s, mock := newTestSink(t, Options{})

	s.RecordTelemetry(sampleRow())
	s.RecordAudit(core.AuditEntry{
		LogID:      "log-1",
		OperatorID: "op1",
		Action:     "sbo.operate",
		Resource:   "node",
		ResourceID: "SUB-001",
		Result:     core.AuditSuccess,
		Timestamp:  time.Now().UTC(),
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO telemetry").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.Flush()

	queued, lost := s.Depth()
	assert.Zero(t, queued)
	assert.Zero(t, lost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureRetainsRowsWithBackoff(t *testing.T) {
	s, mock := newTestSink(t, Options{})
	s.RecordTelemetry(sampleRow())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO telemetry").WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	s.Flush()

	queued, lost := s.Depth()
	assert.Equal(t, 1, queued)
	assert.Zero(t, lost)

	// Inside the backoff window the sink does not touch the database at
	// all; any statement would fail the unmet-expectations check below.
	s.Flush()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushRecoversAfterBackoffReset(t *testing.T) {
	s, mock := newTestSink(t, Options{})
	s.RecordTelemetry(sampleRow())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO telemetry").WillReturnError(errors.New("down"))
	mock.ExpectRollback()
	s.Flush()

	// Force the retry window open.
	s.mu.Lock()
	s.retryAt = time.Time{}
	s.mu.Unlock()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO telemetry").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	s.Flush()

	queued, _ := s.Depth()
	assert.Zero(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpillDropsOldestOnOverflow(t *testing.T) {
	s, _ := newTestSink(t, Options{SpillCapacity: 3})

	for i := 0; i < 5; i++ {
		sample := sampleRow()
		sample.Seq = uint64(i)
		s.RecordTelemetry(sample)
	}

	queued, lost := s.Depth()
	assert.Equal(t, 3, queued)
	assert.Equal(t, uint64(2), lost)

	// The survivors are the newest rows.
	s.mu.Lock()
	first := s.spill[0].args[1].(int64)
	s.mu.Unlock()
	assert.Equal(t, int64(2), first)
}

func TestFlushHonoursMaxBatchRows(t *testing.T) {
	s, mock := newTestSink(t, Options{MaxBatchRows: 2})
	for i := 0; i < 3; i++ {
		s.RecordTelemetry(sampleRow())
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO telemetry").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO telemetry").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.Flush()
	queued, _ := s.Depth()
	assert.Equal(t, 1, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAlarmUsesUpsert(t *testing.T) {
	s, mock := newTestSink(t, Options{})
	s.RecordAlarm(alarmFixture())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alarms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.Flush()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemetryHistoryScansRows(t *testing.T) {
	s, mock := newTestSink(t, Options{})

	from := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	cols := []string{
		"node_id", "seq", "ts", "voltage_kv", "current_a", "active_power_mw",
		"reactive_power_mvar", "power_factor", "frequency_hz", "temperature_c",
		"breaker_state", "energy_delivered_mwh", "quality",
	}
	rows := sqlmock.NewRows(cols).
		AddRow("SUB-001", int64(1), from.Add(time.Minute), 400.0, 120.0, 80.0, 12.0, 0.98, 50.0, 72.5, "Closed", 1.5, "Good").
		AddRow("SUB-001", int64(2), from.Add(2*time.Minute), 399.5, 121.0, 81.0, 12.1, 0.98, 49.99, nil, "Closed", 1.6, "Suspect")

	mock.ExpectQuery("SELECT (.+) FROM telemetry").
		WithArgs("SUB-001", from, to, 100).
		WillReturnRows(rows)

	got, err := s.TelemetryHistory(context.Background(), "SUB-001", from, to, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NotNil(t, got[0].TemperatureC)
	assert.InDelta(t, 72.5, *got[0].TemperatureC, 1e-9)
	assert.Nil(t, got[1].TemperatureC)
	assert.Equal(t, core.QualitySuspect, got[1].Quality)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestGridHistoryScansRows(t *testing.T) {
	s, mock := newTestSink(t, Options{})

	from := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"ts", "system_frequency_hz", "total_generation_mw", "total_load_mw",
		"grid_losses_mw", "nodes_online", "nodes_offline", "active_alarms", "critical_alarms",
	}).AddRow(from.Add(time.Minute), 50.0, 600.0, 540.0, 60.0, 14, 1, 2, 1)

	mock.ExpectQuery("SELECT (.+) FROM grid_metrics").
		WithArgs(from, to, 1000).
		WillReturnRows(rows)

	got, err := s.GridHistory(context.Background(), from, to, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 14, got[0].NodesOnline)
	assert.Equal(t, 1, got[0].NodesOffline)
	assert.Equal(t, 2, got[0].ActiveAlarms)
	assert.Equal(t, 1, got[0].CriticalAlarms)
}

func TestRecordGridMetricsWritesAllCounters(t *testing.T) {
	s, mock := newTestSink(t, Options{})
	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	s.RecordGridMetrics(core.GridSnapshot{
		SystemFrequencyHz: 49.98,
		TotalGenerationMW: 610.0,
		TotalLoadMW:       560.0,
		GridLossesMW:      50.0,
		NodesOnline:       13,
		NodesOffline:      2,
		ActiveAlarms:      3,
		CriticalAlarms:    1,
		UpdatedAt:         at,
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO grid_metrics").
		WithArgs(at, 49.98, 610.0, 560.0, 50.0, 13, 2, 3, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.Flush()
	assert.NoError(t, mock.ExpectationsWereMet())
}
