// Package admin exposes the management surface: Prometheus metrics, the
// latency summary and the debug knobs (xid counter, random seed).
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecache/edged/internal/session"
	"github.com/edgecache/edged/internal/stats"
)

// Server is the admin/debug HTTP server.
type Server struct {
	engine   *session.Engine
	recorder *stats.Recorder
	gatherer prometheus.Gatherer
}

func NewServer(engine *session.Engine, recorder *stats.Recorder, gatherer prometheus.Gatherer) *Server {
	return &Server{engine: engine, recorder: recorder, gatherer: gatherer}
}

// Router builds the admin mux.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Debug knobs
	r.HandleFunc("/debug/xid", s.handleXID).Methods("GET", "POST")
	r.HandleFunc("/debug/srandom", s.handleSrandom).Methods("POST")

	return r
}

// Start serves the admin surface until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	slog.Info("admin server listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.recorder.Snapshot())
}

// handleXID examines or sets the global xid counter.
func (s *Server) handleXID(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		val := r.URL.Query().Get("value")
		if val == "" {
			http.Error(w, "missing value parameter", http.StatusBadRequest)
			return
		}
		xid, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			http.Error(w, "bad value parameter", http.StatusBadRequest)
			return
		}
		s.engine.SetXID(xid)
	}
	fmt.Fprintf(w, "XID is %d\n", s.engine.XID())
}

// handleSrandom seeds the engine's pseudo-random source. Seed 1 is the
// default, the only seed guaranteed to reproduce.
func (s *Server) handleSrandom(w http.ResponseWriter, r *http.Request) {
	seed := int64(1)
	if val := r.URL.Query().Get("seed"); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			http.Error(w, "bad seed parameter", http.StatusBadRequest)
			return
		}
		seed = parsed
	}
	s.engine.SeedRandom(seed)
	fmt.Fprintf(w, "random seeded with %d\n", seed)
}
