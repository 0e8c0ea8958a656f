package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/gridworks/scada/internal/auth"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/protocol"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected, offline := 0, 0
	if s.registry != nil {
		for _, v := range s.registry.NodeViews() {
			if v.Link.Online() {
				connected++
			} else {
				offline++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"nodes_connected": connected,
		"nodes_offline":   offline,
	})
}

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bundle, err := s.auth.Login(req.Username, req.Password, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// --- grid ---

func (s *Server) handleGridOverview(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, s.aggregator.Latest())
}

func (s *Server) handleGridFrequency(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	snap := s.aggregator.Latest()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system_frequency_hz": snap.SystemFrequencyHz,
		"trace":               snap.FrequencyTrace,
	})
}

// --- nodes ---

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": s.registry.NodeViews()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	id := mux.Vars(r)["id"]
	view, ok := s.registry.NodeView(id)
	if !ok {
		writeError(w, core.Ef(core.KindNotFound, "node %s not found", id))
		return
	}
	resp := map[string]interface{}{"node": view}
	if latest, ok := s.store.Latest(id); ok {
		resp["latest"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodeTelemetry(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.NodeView(id); !ok {
		writeError(w, core.Ef(core.KindNotFound, "node %s not found", id))
		return
	}
	from, to, limit, err := queryTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	samples := s.store.Query(id, from, to, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": id,
		"samples": samples,
		"count":   len(samples),
	})
}

// --- alarms ---

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alarms": s.alarms.Active()})
}

type ackRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

func (s *Server) handleAckAlarm(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req ackRequest
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	a, err := s.alarms.Acknowledge(mux.Vars(r)["id"], claims.Sub, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(core.AuditEntry{
		OperatorID: claims.Sub,
		Action:     "alarm.acknowledge",
		Resource:   "alarm",
		ResourceID: a.AlarmID,
		Result:     core.AuditSuccess,
		IP:         clientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- control ---

type selectRequest struct {
	NodeID     string `json:"node_id"`
	BreakerID  string `json:"breaker_id"`
	Action     string `json:"action"`
	OperatorID string `json:"operator_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req selectRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.BreakerID == "" {
		writeError(w, core.E(core.KindValidation, "node_id and breaker_id required"))
		return
	}
	session, err := s.sbo.Select(req.NodeID, req.BreakerID, claims.Sub, clientIP(r), req.Reason, protocol.BreakerAction(req.Action))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":       session.SessionID,
		"expires_at":       session.ExpiresAt,
		"time_remaining_s": session.ExpiresAt.Sub(session.ArmedAt).Seconds(),
	})
}

type operateRequest struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id,omitempty"`
}

func (s *Server) handleOperate(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req operateRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, core.E(core.KindValidation, "session_id required"))
		return
	}
	result, err := s.sbo.Operate(r.Context(), req.SessionID, claims.Sub, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req operateRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, core.E(core.KindValidation, "session_id required"))
		return
	}
	if err := s.sbo.Cancel(req.SessionID, claims.Sub, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.sbo.ActiveSessions()})
}

type isolateRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleIsolate(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req isolateRequest
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := s.sbo.Isolate(r.Context(), mux.Vars(r)["node_id"], claims.Sub, clientIP(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// --- history ---

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.historian == nil {
		writeError(w, core.E(core.KindUnavailable, "history is not configured"))
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, core.E(core.KindValidation, "node_id query parameter required"))
		return
	}
	from, to, limit, err := queryTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.historian.TelemetryHistory(r.Context(), nodeID, from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": nodeID,
		"samples": samples,
		"count":   len(samples),
	})
}

func (s *Server) handleGridHistory(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.historian == nil {
		writeError(w, core.E(core.KindUnavailable, "history is not configured"))
		return
	}
	from, to, limit, err := queryTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	points, err := s.historian.GridHistory(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points, "count": len(points)})
}

// --- security ---

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, s.security.ConnectionSummary())
}

type blockRequest struct {
	ClientIP string `json:"client_ip"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req blockRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientIP == "" {
		writeError(w, core.E(core.KindValidation, "client_ip required"))
		return
	}
	issued := s.security.Block(req.ClientIP, claims.Sub)
	s.audit.Record(core.AuditEntry{
		OperatorID: claims.Sub,
		Action:     "security.block",
		Resource:   "client_ip",
		ResourceID: req.ClientIP,
		Result:     core.AuditSuccess,
		IP:         clientIP(r),
	})
	status := "blocked"
	if !issued {
		status = "already_blocked"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status, "client_ip": req.ClientIP})
}

// --- admin ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": s.auth.ListUsers()})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req createUserRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.CreateUser(req.Username, req.Password, auth.Role(req.Role)); err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(core.AuditEntry{
		OperatorID: claims.Sub,
		Action:     "admin.user_create",
		Resource:   "user",
		ResourceID: req.Username,
		Result:     core.AuditSuccess,
		IP:         clientIP(r),
		Metadata:   map[string]interface{}{"role": req.Role},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username, "role": req.Role})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	username := mux.Vars(r)["username"]
	if username == claims.Sub {
		writeError(w, core.E(core.KindConflict, "cannot delete the calling account"))
		return
	}
	if err := s.auth.DeleteUser(username); err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(core.AuditEntry{
		OperatorID: claims.Sub,
		Action:     "admin.user_delete",
		Resource:   "user",
		ResourceID: username,
		Result:     core.AuditSuccess,
		IP:         clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "username": username})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": s.audit.Recent(limit)})
}
