package rtu

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridworks/scada/internal/core"
)

// Local REST surface on the node's rest_port: status and the latest
// sample, for field technicians and scrapers that cannot speak Modbus.

type statusBody struct {
	NodeID          string                       `json:"node_id"`
	Kind            core.NodeKind                `json:"kind"`
	Location        string                       `json:"location"`
	StartedAt       time.Time                    `json:"started_at"`
	UptimeS         int64                        `json:"uptime_s"`
	Seq             uint64                       `json:"seq"`
	MasterConnected bool                         `json:"master_connected"`
	BufferedSamples int                          `json:"buffered_samples"`
	DroppedSamples  uint64                       `json:"dropped_samples"`
	Breakers        map[string]core.BreakerState `json:"breakers"`
}

func (s *Service) startRESTListener(ctx context.Context) error {
	if s.desc.RESTPort <= 0 {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.desc.RESTPort))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.restHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("rest serve failed: %v", err)
		}
	}()
	return nil
}

func (s *Service) restHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleRESTStatus).Methods("GET")
	r.HandleFunc("/telemetry/latest", s.handleRESTLatest).Methods("GET")
	return r
}

func (s *Service) handleRESTStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := statusBody{
		NodeID:          s.desc.NodeID,
		Kind:            s.desc.Kind,
		Location:        s.desc.Location,
		StartedAt:       s.started,
		UptimeS:         int64(time.Since(s.started).Seconds()),
		Seq:             s.seq,
		MasterConnected: s.session != nil,
		BufferedSamples: len(s.buffer),
		DroppedSamples:  s.dropped,
		Breakers:        make(map[string]core.BreakerState, len(s.breakers)),
	}
	for id, st := range s.breakers {
		body.Breakers[id] = st
	}
	s.mu.Unlock()

	writeRESTJSON(w, http.StatusOK, body)
}

func (s *Service) handleRESTLatest(w http.ResponseWriter, r *http.Request) {
	latest := s.Latest()
	if latest == nil {
		writeRESTJSON(w, http.StatusNotFound, map[string]string{"error": "no sample yet"})
		return
	}
	writeRESTJSON(w, http.StatusOK, latest)
}

func writeRESTJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
