package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/auth"
	"github.com/gridworks/scada/internal/control"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
	"github.com/gridworks/scada/internal/registry"
	"github.com/gridworks/scada/internal/security"
	"github.com/gridworks/scada/internal/telemetry"
)

type testEnv struct {
	handler http.Handler
	auth    *auth.Manager
	alarms  *alarm.Engine
	store   *telemetry.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := metrics.NewForTesting()
	trail := auth.NewTrail(nil)

	mgr, err := auth.NewManager("test-secret", time.Hour, []auth.SeedUser{
		{Username: "admin1", Password: "admin-pass", Role: auth.RoleAdmin},
		{Username: "op1", Password: "op-pass", Role: auth.RoleOperator},
		{Username: "viewer1", Password: "viewer-pass", Role: auth.RoleViewer},
	}, trail)
	require.NoError(t, err)

	descriptors := []core.NodeDescriptor{{
		NodeID:           "SUB-001",
		Kind:             core.KindSubstation,
		Location:         "Raipur",
		CapacityMW:       315,
		NominalVoltageKV: 400,
		NodeIP:           "127.0.0.1",
		ControlPort:      10012,
	}}
	reg := registry.New(descriptors, nil, m, time.Minute)
	store := telemetry.NewStore(2048)
	alarms := alarm.NewEngine(nil, nil, m)
	agg := telemetry.NewAggregator(store, reg, alarms, nil, nil, time.Second)
	sbo := control.NewCoordinator(reg, trail, alarms)
	sec := security.NewEngine(nil, nil, []string{"127.0.0.1"}, nil)

	srv := NewServer(0, Deps{
		Auth:       mgr,
		Audit:      trail,
		Registry:   reg,
		Store:      store,
		Aggregator: agg,
		Alarms:     alarms,
		SBO:        sbo,
		Security:   sec,
	})
	return &testEnv{handler: srv.Handler(), auth: mgr, alarms: alarms, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, user, password string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": user, "password": password,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var bundle auth.TokenBundle
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bundle))
	return bundle.AccessToken
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env.Error.Kind
}

func TestHealthNeedsNoToken(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status         string `json:"status"`
		NodesConnected int    `json:"nodes_connected"`
		NodesOffline   int    `json:"nodes_offline"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 0, body.NodesConnected)
	assert.Equal(t, 1, body.NodesOffline)
}

func TestLoginOutcomes(t *testing.T) {
	e := newTestEnv(t)

	token := e.login(t, "op1", "op-pass")
	assert.NotEmpty(t, token)

	rr := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "op1", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "AuthFailure", errorKind(t, rr))
}

func TestGuardRejectsMissingAndBadTokens(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/grid/overview", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/grid/overview", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPermissionDeniedForViewerOnControl(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	rr := e.do(t, http.MethodPost, "/control/breaker/select", viewer, map[string]string{
		"node_id": "SUB-001", "breaker_id": "BRK-SUB-001", "action": "open",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "PermissionDenied", errorKind(t, rr))

	// The same token still reads the grid.
	rr = e.do(t, http.MethodGet, "/grid/overview", viewer, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSelectAcceptsOperatorIDAndReason(t *testing.T) {
	e := newTestEnv(t)
	op := e.login(t, "op1", "op-pass")

	// A body carrying operator_id and reason must not be rejected as
	// malformed; the link is down here, so Unavailable is the expected
	// outcome, never Validation.
	rr := e.do(t, http.MethodPost, "/control/breaker/select", op, map[string]string{
		"node_id": "SUB-001", "breaker_id": "BRK-01", "action": "open",
		"operator_id": "op1", "reason": "maintenance",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
	assert.Equal(t, "Unavailable", errorKind(t, rr))
}

func TestStrictDecodingRejectsUnknownFields(t *testing.T) {
	e := newTestEnv(t)
	op := e.login(t, "op1", "op-pass")

	rr := e.do(t, http.MethodPost, "/control/breaker/select", op, map[string]string{
		"node_id": "SUB-001", "breaker_id": "BRK-SUB-001", "action": "open", "bogus": "field",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Validation", errorKind(t, rr))
}

func TestOperateRequiresSessionID(t *testing.T) {
	e := newTestEnv(t)
	op := e.login(t, "op1", "op-pass")

	rr := e.do(t, http.MethodPost, "/control/breaker/operate", op, map[string]string{
		"operator_id": "op1",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/control/breaker/operate", op, map[string]string{
		"session_id": "no-such-session", "operator_id": "op1",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Conflict", errorKind(t, rr))
}

func TestNodeRoutes(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/nodes", viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Nodes []registry.NodeView `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, "SUB-001", list.Nodes[0].Descriptor.NodeID)
	assert.Equal(t, core.LinkConnecting, list.Nodes[0].Link)

	rr = e.do(t, http.MethodGet, "/nodes/SUB-001", viewer, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/nodes/SUB-404", viewer, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NotFound", errorKind(t, rr))
}

func TestNodeTelemetryValidatesTimeRange(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/nodes/SUB-001/telemetry?from=yesterday", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet,
		"/nodes/SUB-001/telemetry?from=2026-08-20T10:00:00Z&to=2026-08-20T09:00:00Z", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/nodes/SUB-001/telemetry?limit=0", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/nodes/SUB-001/telemetry", viewer, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNodeTelemetryDefaultLimitIs1000(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	now := time.Now().UTC()
	for i := 0; i < 1200; i++ {
		e.store.Append(core.TelemetrySample{
			NodeID:    "SUB-001",
			Seq:       uint64(i + 1),
			Timestamp: now.Add(time.Duration(i-1200) * time.Millisecond),
		})
	}

	rr := e.do(t, http.MethodGet, "/nodes/SUB-001/telemetry", viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1000, body.Count)
}

func TestSelectOnOfflineNodeIsUnavailable(t *testing.T) {
	e := newTestEnv(t)
	op := e.login(t, "op1", "op-pass")

	// The supervisor never dialled, so the link is still Connecting.
	rr := e.do(t, http.MethodPost, "/control/breaker/select", op, map[string]string{
		"node_id": "SUB-001", "breaker_id": "BRK-SUB-001", "action": "open",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Unavailable", errorKind(t, rr))
}

func TestIsolationOnOfflineNodeIsUnavailable(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin1", "admin-pass")

	rr := e.do(t, http.MethodPost, "/control/isolation/SUB-001", admin, map[string]string{
		"operator_id": "admin1", "reason": "storm cell inbound",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = e.do(t, http.MethodPost, "/control/isolation/SUB-404", admin, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAckAlarmFlow(t *testing.T) {
	e := newTestEnv(t)
	op := e.login(t, "op1", "op-pass")

	e.alarms.RaiseExternal("SUB-001", alarm.CodeBreakerTripped, nil)
	active := e.alarms.Active()
	require.Len(t, active, 1)

	rr := e.do(t, http.MethodPost, "/alarms/"+active[0].AlarmID+"/acknowledge", op, map[string]string{
		"operator_id": "op1", "comment": "investigating",
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	acked, ok := e.alarms.Get(active[0].AlarmID)
	require.True(t, ok)
	assert.Equal(t, alarm.StateAcknowledged, acked.State)
	assert.Equal(t, "op1", acked.AcknowledgedBy)

	rr = e.do(t, http.MethodPost, "/alarms/no-such-alarm/acknowledge", op, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestActiveAlarmsRoute(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	e.alarms.RaiseExternal("SUB-001", alarm.CodeBreakerTripped, nil)

	rr := e.do(t, http.MethodGet, "/alarms/active", viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Alarms []alarm.Alarm `json:"alarms"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Alarms, 1)
	assert.Equal(t, alarm.CodeBreakerTripped, body.Alarms[0].Code)
}

func TestHistoryUnavailableWithoutHistorian(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/history/telemetry?node_id=SUB-001", viewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = e.do(t, http.MethodGet, "/history/grid", viewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSecurityBlockFlow(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin1", "admin-pass")
	viewer := e.login(t, "viewer1", "viewer-pass")

	// Blocking needs the admin permission.
	rr := e.do(t, http.MethodPost, "/security/block", viewer, map[string]string{"client_ip": "198.51.100.7"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodPost, "/security/block", admin, map[string]string{"client_ip": "198.51.100.7"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "blocked", resp["status"])

	rr = e.do(t, http.MethodPost, "/security/block", admin, map[string]string{"client_ip": "198.51.100.7"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "already_blocked", resp["status"])

	// The action landed in the audit log.
	rr = e.do(t, http.MethodGet, "/security/audit", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "security.block")
}

func TestAdminUserManagement(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin1", "admin-pass")

	rr := e.do(t, http.MethodPost, "/admin/users", admin, map[string]string{
		"username": "eng1", "password": "eng-pass", "role": "engineer",
	})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = e.do(t, http.MethodPost, "/admin/users", admin, map[string]string{
		"username": "eng2", "password": "pw", "role": "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "eng1")

	// Deleting your own account is refused.
	rr = e.do(t, http.MethodDelete, "/admin/users/admin1", admin, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodDelete, "/admin/users/eng1", admin, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGridOverviewShape(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.login(t, "viewer1", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/grid/overview", viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap core.GridSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Zero(t, snap.TotalGenerationMW)
}
