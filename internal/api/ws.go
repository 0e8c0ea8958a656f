package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridworks/scada/internal/auth"
	"github.com/gridworks/scada/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSServer is the real-time feed: one bus subscription per client, pushed
// over a WebSocket. Clients that cannot keep up receive a Resync sentinel
// and must send {"type":"resync"} to resume.
type WSServer struct {
	auth   *auth.Manager
	bus    *bus.Bus
	logger *log.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewWSServer builds the feed server on the given port.
func NewWSServer(port int, authMgr *auth.Manager, b *bus.Bus) *WSServer {
	s := &WSServer{
		auth:   authMgr,
		bus:    b,
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/grid", s.handleGrid)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving the feed.
func (s *WSServer) Start() {
	go func() {
		s.logger.Printf("feed listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("serve failed: %v", err)
		}
	}()
}

// Shutdown stops accepting and closes the listener.
func (s *WSServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleGrid authenticates the token query parameter, upgrades, and runs
// the read/write pumps until either side goes away.
func (s *WSServer) handleGrid(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.Authorise(token, auth.PermReadGrid, clientIP(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	sub := s.bus.Subscribe()
	s.logger.Printf("client %s connected as %s", sub.ID, claims.Sub)

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// clientMessage is the only inbound shape the feed accepts.
type clientMessage struct {
	Type string `json:"type"`
}

// readPump consumes client frames; a resync request clears the client's
// SlowConsumer mark and queues a fresh snapshot.
func (s *WSServer) readPump(conn *websocket.Conn, sub *bus.Subscriber) {
	defer func() {
		s.bus.Unsubscribe(sub.ID)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resync" {
			s.bus.Resync(sub.ID)
		}
	}
}

// writePump pushes queued bus frames and pings. A write that cannot finish
// inside the deadline tears the connection down.
func (s *WSServer) writePump(conn *websocket.Conn, sub *bus.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.bus.Unsubscribe(sub.ID)
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Printf("client %s write failed: %v", sub.ID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
