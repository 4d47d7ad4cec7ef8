// Package opsserver exposes the daemon's health and metrics endpoints on a
// local address.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sqragent/internal/db"
)

// Gauges reports live counters of the running daemon. Nil funcs report 0.
type Gauges struct {
	ActivePollers  func() int64
	ActiveSessions func() int
	QueuedPollers  func() int
}

// Server serves GET /health and GET /metrics.
type Server struct {
	store     *db.Store
	gauges    Gauges
	mux       *http.ServeMux
	startedAt time.Time
}

func NewServer(store *db.Store, gauges Gauges, metrics http.Handler) *Server {
	s := &Server{
		store:     store,
		gauges:    gauges,
		startedAt: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	inFlight, err := s.inFlightPayments(r.Context())
	if err != nil {
		slog.Error("health: in-flight payments count", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	pendingAlerts, err := s.pendingAlerts(r.Context())
	if err != nil {
		slog.Error("health: pending alerts count", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	uptimeSeconds := max(int(time.Since(s.startedAt).Seconds()), 0)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "running",
		"uptime_seconds":     uptimeSeconds,
		"active_pollers":     call64(s.gauges.ActivePollers),
		"queued_pollers":     call(s.gauges.QueuedPollers),
		"active_sessions":    call(s.gauges.ActiveSessions),
		"in_flight_payments": inFlight,
		"pending_alerts":     pendingAlerts,
	})
}

// inFlightPayments counts paid requests that have not reached a final status.
func (s *Server) inFlightPayments(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM payments WHERE status IN ('verified', 'submitted')`
	var count int
	if err := s.store.Reader.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("count in-flight payments: %w", err)
	}
	return count, nil
}

func (s *Server) pendingAlerts(ctx context.Context) (int, error) {
	return s.store.CountPendingNotificationEvents(ctx)
}

func call(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

func call64(fn func() int64) int64 {
	if fn == nil {
		return 0
	}
	return fn()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
