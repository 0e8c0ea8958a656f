// Package api exposes the Master's operator surface: the REST API on the
// HTTP port and the real-time WebSocket feed on the WS port. Every
// mutating route is wrapped in token verification, permission checks and
// audit; errors leave as a uniform envelope keyed by kind.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridworks/scada/internal/alarm"
	"github.com/gridworks/scada/internal/auth"
	"github.com/gridworks/scada/internal/bus"
	"github.com/gridworks/scada/internal/control"
	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/historian"
	"github.com/gridworks/scada/internal/registry"
	"github.com/gridworks/scada/internal/security"
	"github.com/gridworks/scada/internal/telemetry"
)

// Server bundles the REST surface and its dependencies.
type Server struct {
	auth       *auth.Manager
	audit      *auth.Trail
	registry   *registry.Registry
	store      *telemetry.Store
	aggregator *telemetry.Aggregator
	alarms     *alarm.Engine
	sbo        *control.Coordinator
	security   *security.Engine
	historian  *historian.Sink
	bus        *bus.Bus
	logger     *log.Logger

	httpServer *http.Server
}

// Deps collects everything the server serves from.
type Deps struct {
	Auth       *auth.Manager
	Audit      *auth.Trail
	Registry   *registry.Registry
	Store      *telemetry.Store
	Aggregator *telemetry.Aggregator
	Alarms     *alarm.Engine
	SBO        *control.Coordinator
	Security   *security.Engine
	Historian  *historian.Sink
	Bus        *bus.Bus
}

// NewServer builds the REST server on the given port.
func NewServer(port int, deps Deps) *Server {
	s := &Server{
		auth:       deps.Auth,
		audit:      deps.Audit,
		registry:   deps.Registry,
		store:      deps.Store,
		aggregator: deps.Aggregator,
		alarms:     deps.Alarms,
		sbo:        deps.SBO,
		security:   deps.Security,
		historian:  deps.Historian,
		bus:        deps.Bus,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	r.HandleFunc("/grid/overview", s.guard(auth.PermReadGrid, s.handleGridOverview)).Methods("GET")
	r.HandleFunc("/grid/frequency", s.guard(auth.PermReadGrid, s.handleGridFrequency)).Methods("GET")

	r.HandleFunc("/nodes", s.guard(auth.PermReadNodes, s.handleListNodes)).Methods("GET")
	r.HandleFunc("/nodes/{id}", s.guard(auth.PermReadNodes, s.handleGetNode)).Methods("GET")
	r.HandleFunc("/nodes/{id}/telemetry", s.guard(auth.PermReadNodes, s.handleNodeTelemetry)).Methods("GET")

	r.HandleFunc("/alarms/active", s.guard(auth.PermReadAlarms, s.handleListAlarms)).Methods("GET")
	r.HandleFunc("/alarms/{id}/acknowledge", s.guard(auth.PermAckAlarm, s.handleAckAlarm)).Methods("POST")

	r.HandleFunc("/control/breaker/select", s.guard(auth.PermControlBreaker, s.handleSelect)).Methods("POST")
	r.HandleFunc("/control/breaker/operate", s.guard(auth.PermControlBreaker, s.handleOperate)).Methods("POST")
	r.HandleFunc("/control/breaker/cancel", s.guard(auth.PermControlBreaker, s.handleCancel)).Methods("POST")
	r.HandleFunc("/control/sessions", s.guard(auth.PermControlBreaker, s.handleSessions)).Methods("GET")
	r.HandleFunc("/control/isolation/{node_id}", s.guard(auth.PermIsolateNode, s.handleIsolate)).Methods("POST")

	r.HandleFunc("/history/telemetry", s.guard(auth.PermReadHistory, s.handleTelemetryHistory)).Methods("GET")
	r.HandleFunc("/history/grid", s.guard(auth.PermReadHistory, s.handleGridHistory)).Methods("GET")

	r.HandleFunc("/security/connections", s.guard(auth.PermViewSecurity, s.handleConnections)).Methods("GET")
	r.HandleFunc("/security/block", s.guard(auth.PermBlockIP, s.handleBlock)).Methods("POST")
	r.HandleFunc("/security/audit", s.guard(auth.PermViewAudit, s.handleAudit)).Methods("GET")

	r.HandleFunc("/admin/users", s.guard(auth.PermManageUsers, s.handleListUsers)).Methods("GET")
	r.HandleFunc("/admin/users", s.guard(auth.PermManageUsers, s.handleCreateUser)).Methods("POST")
	r.HandleFunc("/admin/users/{username}", s.guard(auth.PermManageUsers, s.handleDeleteUser)).Methods("DELETE")

	return r
}

// Start begins serving; errors other than graceful close are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Printf("REST listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("serve failed: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router() }

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, core.E(core.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authedHandler receives the verified claims of the caller.
type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

// guard verifies the bearer token and the permission before invoking the
// handler.
func (s *Server) guard(perm auth.Permission, h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, core.E(core.KindAuthFailure, "missing bearer token"))
			return
		}
		claims, err := s.auth.Authorise(token, perm, clientIP(r))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, claims)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeStrict parses a JSON body rejecting unknown fields.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.Wrap(core.KindValidation, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    core.ErrorKind         `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}
	var de *core.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Details = de.Details
	}
	writeJSON(w, core.HTTPStatus(kind), errorEnvelope{Error: body})
}

// defaultQueryLimit caps range queries when the caller sends no limit.
const defaultQueryLimit = 1000

// queryTimeRange parses optional from/to/limit query parameters.
func queryTimeRange(r *http.Request) (from, to time.Time, limit int, err error) {
	q := r.URL.Query()
	to = time.Now().UTC()
	from = to.Add(-1 * time.Hour)
	limit = defaultQueryLimit
	if v := q.Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, 0, core.E(core.KindValidation, "from must be RFC3339")
		}
	}
	if v := q.Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, 0, core.E(core.KindValidation, "to must be RFC3339")
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return from, to, 0, core.E(core.KindValidation, "limit must be a positive integer")
		}
	}
	if to.Before(from) {
		return from, to, 0, core.E(core.KindValidation, "to precedes from")
	}
	return from, to, limit, nil
}
