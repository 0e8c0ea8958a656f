package historian

// DDL for the historian tables. Idempotent; applied at startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS telemetry (
	id                   BIGSERIAL PRIMARY KEY,
	node_id              TEXT        NOT NULL,
	seq                  BIGINT      NOT NULL,
	ts                   TIMESTAMPTZ NOT NULL,
	voltage_kv           DOUBLE PRECISION NOT NULL,
	current_a            DOUBLE PRECISION NOT NULL,
	active_power_mw      DOUBLE PRECISION NOT NULL,
	reactive_power_mvar  DOUBLE PRECISION NOT NULL,
	power_factor         DOUBLE PRECISION NOT NULL,
	frequency_hz         DOUBLE PRECISION NOT NULL,
	temperature_c        DOUBLE PRECISION,
	breaker_state        TEXT        NOT NULL,
	energy_delivered_mwh DOUBLE PRECISION NOT NULL,
	quality              TEXT        NOT NULL DEFAULT 'Good'
);
CREATE INDEX IF NOT EXISTS telemetry_node_ts_idx ON telemetry (node_id, ts);

CREATE TABLE IF NOT EXISTS grid_metrics (
	id                  BIGSERIAL PRIMARY KEY,
	ts                  TIMESTAMPTZ NOT NULL,
	system_frequency_hz DOUBLE PRECISION NOT NULL,
	total_generation_mw DOUBLE PRECISION NOT NULL,
	total_load_mw       DOUBLE PRECISION NOT NULL,
	grid_losses_mw      DOUBLE PRECISION NOT NULL,
	nodes_online        INTEGER NOT NULL,
	nodes_offline       INTEGER NOT NULL,
	active_alarms       INTEGER NOT NULL,
	critical_alarms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS grid_metrics_ts_idx ON grid_metrics (ts);

CREATE TABLE IF NOT EXISTS alarms (
	alarm_id        TEXT PRIMARY KEY,
	node_id         TEXT        NOT NULL,
	code            TEXT        NOT NULL,
	severity        TEXT        NOT NULL,
	state           TEXT        NOT NULL,
	raised_at       TIMESTAMPTZ NOT NULL,
	acknowledged_at TIMESTAMPTZ,
	acknowledged_by TEXT,
	cleared_at      TIMESTAMPTZ,
	details         JSONB
);
CREATE INDEX IF NOT EXISTS alarms_node_idx ON alarms (node_id, raised_at);

CREATE TABLE IF NOT EXISTS audit_log (
	log_id      TEXT PRIMARY KEY,
	operator_id TEXT        NOT NULL,
	action      TEXT        NOT NULL,
	resource    TEXT        NOT NULL,
	resource_id TEXT,
	result      TEXT        NOT NULL,
	ip          TEXT,
	ts          TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log (ts);

CREATE TABLE IF NOT EXISTS security_events (
	event_id    TEXT PRIMARY KEY,
	type        TEXT        NOT NULL,
	severity    TEXT        NOT NULL,
	node_id     TEXT,
	client_ip   TEXT,
	description TEXT        NOT NULL,
	raised_at   TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS security_events_ts_idx ON security_events (raised_at);
`

const (
	insertTelemetrySQL = `INSERT INTO telemetry
		(node_id, seq, ts, voltage_kv, current_a, active_power_mw, reactive_power_mvar,
		 power_factor, frequency_hz, temperature_c, breaker_state, energy_delivered_mwh, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	insertGridSQL = `INSERT INTO grid_metrics
		(ts, system_frequency_hz, total_generation_mw, total_load_mw, grid_losses_mw,
		 nodes_online, nodes_offline, active_alarms, critical_alarms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	upsertAlarmSQL = `INSERT INTO alarms
		(alarm_id, node_id, code, severity, state, raised_at, acknowledged_at, acknowledged_by, cleared_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alarm_id) DO UPDATE SET
			state = EXCLUDED.state,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			cleared_at = EXCLUDED.cleared_at`

	insertAuditSQL = `INSERT INTO audit_log
		(log_id, operator_id, action, resource, resource_id, result, ip, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	insertSecuritySQL = `INSERT INTO security_events
		(event_id, type, severity, node_id, client_ip, description, raised_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	selectTelemetrySQL = `SELECT node_id, seq, ts, voltage_kv, current_a, active_power_mw,
		reactive_power_mvar, power_factor, frequency_hz, temperature_c, breaker_state,
		energy_delivered_mwh, quality
		FROM telemetry WHERE node_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC LIMIT $4`

	selectGridSQL = `SELECT ts, system_frequency_hz, total_generation_mw, total_load_mw,
		grid_losses_mw, nodes_online, nodes_offline, active_alarms, critical_alarms
		FROM grid_metrics WHERE ts >= $1 AND ts <= $2
		ORDER BY ts ASC LIMIT $3`
)
