// Package historian persists telemetry, grid rollups, alarm transitions,
// audit entries and security events to PostgreSQL. Writes are batched and
// never block the producing pipeline: when the database is down, rows
// accumulate in a bounded spillover buffer and the oldest are dropped on
// overflow.
package historian

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
)

// Defaults; overridable through Options.
const (
	DefaultFlushInterval = 1 * time.Second
	DefaultMaxBatchRows  = 500
	DefaultSpillCapacity = 100000

	retryBackoffBase = 1 * time.Second
	retryBackoffMax  = 60 * time.Second
)

// Options tunes the sink's batching behaviour.
type Options struct {
	FlushInterval time.Duration
	MaxBatchRows  int
	SpillCapacity int
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxBatchRows <= 0 {
		o.MaxBatchRows = DefaultMaxBatchRows
	}
	if o.SpillCapacity <= 0 {
		o.SpillCapacity = DefaultSpillCapacity
	}
	return o
}

// row is one pending insert.
type row struct {
	table string
	query string
	args  []interface{}
}

// Sink is the historian. Record* methods are safe for concurrent use and
// never block on the database.
type Sink struct {
	db      *sql.DB
	opts    Options
	metrics *metrics.Metrics
	logger  *log.Logger

	mu       sync.Mutex
	spill    []row
	lost     uint64
	backoff  time.Duration
	retryAt  time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New opens the database and verifies the connection.
func New(dsn string, opts Options, m *metrics.Metrics) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open historian database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping historian database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db, opts, m), nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB, opts Options, m *metrics.Metrics) *Sink {
	return &Sink{
		db:      db,
		opts:    opts.withDefaults(),
		metrics: m,
		logger:  log.New(log.Writer(), "[HISTORIAN] ", log.LstdFlags),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// EnsureSchema applies the idempotent DDL.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply historian schema: %w", err)
	}
	return nil
}

// Start launches the flush loop.
func (s *Sink) Start() {
	go s.flushLoop()
}

// Stop flushes what it can and closes the database.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.db.Close()
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// enqueue appends a row to the spill, dropping the oldest on overflow.
func (s *Sink) enqueue(r row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spill) >= s.opts.SpillCapacity {
		drop := len(s.spill) - s.opts.SpillCapacity + 1
		s.spill = s.spill[drop:]
		s.lost += uint64(drop)
		if s.metrics != nil {
			s.metrics.HistorianRowsLost.Add(float64(drop))
		}
	}
	s.spill = append(s.spill, r)
	if s.metrics != nil {
		s.metrics.HistorianSpillDepth.Set(float64(len(s.spill)))
	}
}

// Flush writes up to MaxBatchRows in one transaction. Failures leave the
// rows queued and push the next attempt out with exponential backoff.
func (s *Sink) Flush() {
	s.mu.Lock()
	if len(s.spill) == 0 || time.Now().Before(s.retryAt) {
		s.mu.Unlock()
		return
	}
	n := len(s.spill)
	if n > s.opts.MaxBatchRows {
		n = s.opts.MaxBatchRows
	}
	batch := make([]row, n)
	copy(batch, s.spill[:n])
	s.mu.Unlock()

	if err := s.writeBatch(batch); err != nil {
		s.mu.Lock()
		if s.backoff == 0 {
			s.backoff = retryBackoffBase
		} else {
			s.backoff *= 2
			if s.backoff > retryBackoffMax {
				s.backoff = retryBackoffMax
			}
		}
		s.retryAt = time.Now().Add(s.backoff)
		depth := len(s.spill)
		s.mu.Unlock()
		s.logger.Printf("flush of %d rows failed (%d queued, retry in %s): %v", n, depth, s.backoff, err)
		return
	}

	s.mu.Lock()
	s.spill = s.spill[n:]
	s.backoff = 0
	s.retryAt = time.Time{}
	if s.metrics != nil {
		s.metrics.HistorianSpillDepth.Set(float64(len(s.spill)))
	}
	s.mu.Unlock()

	if s.metrics != nil {
		perTable := make(map[string]int)
		for _, r := range batch {
			perTable[r.table]++
		}
		for table, count := range perTable {
			s.metrics.HistorianRowsWritten.WithLabelValues(table).Add(float64(count))
		}
	}
}

func (s *Sink) writeBatch(batch []row) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, r.query, r.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s row: %w", r.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Depth reports the number of queued rows and total rows dropped.
func (s *Sink) Depth() (queued int, lost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spill), s.lost
}

// RecordTelemetry queues one telemetry sample.
func (s *Sink) RecordTelemetry(sample core.TelemetrySample) {
	quality := sample.Quality
	if quality == "" {
		quality = core.QualityGood
	}
	var temp interface{}
	if sample.TemperatureC != nil {
		temp = *sample.TemperatureC
	}
	s.enqueue(row{
		table: "telemetry",
		query: insertTelemetrySQL,
		args: []interface{}{
			sample.NodeID, int64(sample.Seq), sample.Timestamp, sample.VoltageKV,
			sample.CurrentA, sample.ActivePowerMW, sample.ReactivePowerMVAR,
			sample.PowerFactor, sample.FrequencyHz, temp, string(sample.BreakerState),
			sample.EnergyDeliveredMWH, string(quality),
		},
	})
}

// RecordGridMetrics queues one grid rollup. Implements telemetry.Recorder.
func (s *Sink) RecordGridMetrics(snap core.GridSnapshot) {
	s.enqueue(row{
		table: "grid_metrics",
		query: insertGridSQL,
		args: []interface{}{
			snap.UpdatedAt, snap.SystemFrequencyHz, snap.TotalGenerationMW,
			snap.TotalLoadMW, snap.GridLossesMW, snap.NodesOnline, snap.NodesOffline,
			snap.ActiveAlarms, snap.CriticalAlarms,
		},
	})
}

// RecordAlarm upserts the alarm row on every transition. Implements
// alarm.Persister.
func (s *Sink) RecordAlarm(a alarm.Alarm) {
	s.enqueue(row{
		table: "alarms",
		query: upsertAlarmSQL,
		args: []interface{}{
			a.AlarmID, a.NodeID, string(a.Code), string(a.Severity), string(a.State),
			a.RaisedAt, a.AcknowledgedAt, nullableString(a.AcknowledgedBy), a.ClearedAt,
			marshalMeta(a.Details),
		},
	})
}

// RecordAudit queues one audit entry. Implements auth.AuditPersister.
func (s *Sink) RecordAudit(entry core.AuditEntry) {
	s.enqueue(row{
		table: "audit_log",
		query: insertAuditSQL,
		args: []interface{}{
			entry.LogID, entry.OperatorID, entry.Action, entry.Resource,
			nullableString(entry.ResourceID), string(entry.Result),
			nullableString(entry.IP), entry.Timestamp, marshalMeta(entry.Metadata),
		},
	})
}

// RecordSecurityEvent queues one security event.
func (s *Sink) RecordSecurityEvent(ev core.SecurityEvent) {
	s.enqueue(row{
		table: "security_events",
		query: insertSecuritySQL,
		args: []interface{}{
			ev.EventID, string(ev.Type), ev.Severity, nullableString(ev.NodeID),
			nullableString(ev.ClientIP), ev.Description, ev.RaisedAt, marshalMeta(ev.Metadata),
		},
	})
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalMeta(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// TelemetryHistory reads back samples for one node inside [from, to].
func (s *Sink) TelemetryHistory(ctx context.Context, nodeID string, from, to time.Time, limit int) ([]core.TelemetrySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, selectTelemetrySQL, nodeID, from, to, limit)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, "query telemetry history", err)
	}
	defer rows.Close()

	var out []core.TelemetrySample
	for rows.Next() {
		var sample core.TelemetrySample
		var seq int64
		var temp sql.NullFloat64
		var breaker, quality string
		if err := rows.Scan(&sample.NodeID, &seq, &sample.Timestamp, &sample.VoltageKV,
			&sample.CurrentA, &sample.ActivePowerMW, &sample.ReactivePowerMVAR,
			&sample.PowerFactor, &sample.FrequencyHz, &temp, &breaker,
			&sample.EnergyDeliveredMWH, &quality); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan telemetry row", err)
		}
		sample.Seq = uint64(seq)
		if temp.Valid {
			v := temp.Float64
			sample.TemperatureC = &v
		}
		sample.BreakerState = core.BreakerState(breaker)
		sample.Quality = core.Quality(quality)
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindUnavailable, "read telemetry history", err)
	}
	return out, nil
}

// GridPoint is one historical grid rollup row.
type GridPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	SystemFrequencyHz float64   `json:"system_frequency_hz"`
	TotalGenerationMW float64   `json:"total_generation_mw"`
	TotalLoadMW       float64   `json:"total_load_mw"`
	GridLossesMW      float64   `json:"grid_losses_mw"`
	NodesOnline       int       `json:"nodes_online"`
	NodesOffline      int       `json:"nodes_offline"`
	ActiveAlarms      int       `json:"active_alarms"`
	CriticalAlarms    int       `json:"critical_alarms"`
}

// GridHistory reads back grid rollups inside [from, to].
func (s *Sink) GridHistory(ctx context.Context, from, to time.Time, limit int) ([]GridPoint, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, selectGridSQL, from, to, limit)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, "query grid history", err)
	}
	defer rows.Close()

	var out []GridPoint
	for rows.Next() {
		var p GridPoint
		if err := rows.Scan(&p.Timestamp, &p.SystemFrequencyHz, &p.TotalGenerationMW,
			&p.TotalLoadMW, &p.GridLossesMW, &p.NodesOnline, &p.NodesOffline,
			&p.ActiveAlarms, &p.CriticalAlarms); err != nil {
			return nil, core.Wrap(core.KindInternal, "scan grid row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindUnavailable, "read grid history", err)
	}
	return out, nil
}
