// Package api exposes the supervisor's read-only admin HTTP surface:
// health, current backend/worker status, a live event stream, and the
// audit log. Grounded on the teacher's handlers.SystemStatusHandler
// (HandleStatus's respondJSON shape) and the gorilla/mux router wiring
// in cmd/dplaned/main.go. This surface never mutates supervisor
// state — node-state changes only ever enter through reqqueue, the
// same as a SIGUSR1 producer.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/poolsuper/poolsuper/internal/audit"
	"github.com/poolsuper/poolsuper/internal/followprimary"
	"github.com/poolsuper/poolsuper/internal/shmem"
	"github.com/poolsuper/poolsuper/internal/watchdogsync"
	ws "github.com/poolsuper/poolsuper/internal/websocket"
)

// Server wires the supervisor's live state into HTTP handlers.
type Server struct {
	region    *shmem.Region
	lock      *followprimary.Lock
	wd        *watchdogsync.Manager // may be nil when use_watchdog is disabled
	auditLog  *audit.BufferedLogger // may be nil when audit persistence is disabled
	hub       *ws.EventHub
	version   string
	startedAt time.Time

	upgrader websocket.Upgrader
}

// New builds a Server. wd and auditLog may be nil.
func New(region *shmem.Region, lock *followprimary.Lock, wd *watchdogsync.Manager, auditLog *audit.BufferedLogger, hub *ws.EventHub, version string) *Server {
	return &Server{
		region:    region,
		lock:      lock,
		wd:        wd,
		auditLog:  auditLog,
		hub:       hub,
		version:   version,
		startedAt: time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Router builds the mux.Router exposing this server's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/status/stream", s.handleStatusStream)
	r.HandleFunc("/api/audit", s.handleAudit).Methods("GET")
	if s.wd != nil {
		r.HandleFunc("/watchdog/health", s.wd.ServeHealth).Methods("GET")
		r.HandleFunc("/watchdog/status", s.wd.ServeStatus).Methods("GET")
		r.HandleFunc("/watchdog/failover-start", s.wd.ServeFailoverStart).Methods("POST")
		r.HandleFunc("/watchdog/failover-end", s.wd.ServeFailoverEnd).Methods("POST")
	}
	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// backendView is the JSON shape served for each backend row.
type backendView struct {
	ID          int    `json:"id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	Quarantined bool   `json:"quarantined"`
	Version     string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backends := s.region.BackendsSnapshot()
	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, backendView{
			ID:          b.ID,
			Host:        b.Host,
			Port:        b.Port,
			Status:      b.Status.String(),
			Role:        b.Role.String(),
			Quarantined: b.Quarantined,
			Version:     b.Version,
		})
	}

	held, remote := s.lock.Held()
	resp := map[string]interface{}{
		"success":         true,
		"version":         s.version,
		"primary_node_id": s.region.Info.PrimaryNodeID,
		"main_node_id":    s.region.Info.MainNodeID,
		"backends":        views,
		"follow_primary_lock": map[string]interface{}{
			"held":    held,
			"remote":  remote,
			"pending": s.lock.Pending(),
		},
	}
	if s.wd != nil {
		resp["watchdog_quorum"] = s.wd.HasQuorum()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatusStream upgrades to a websocket and relays live
// failover/watchdog/backend events via the shared EventHub, the same
// hub the supervisor's internal components broadcast to.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return
	}
	s.hub.Register(conn)
}

// handleAudit serves the most recent audit events, newest first.
// Query param ?limit=N caps the result (default 100).
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "events": []audit.Event{}})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.auditLog.Recent(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "events": events})
}
