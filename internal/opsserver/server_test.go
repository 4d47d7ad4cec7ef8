package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqragent/internal/db"
)

func TestHealth_OK(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "sqragent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()

	// One delivered payment, two in flight, one pending alert.
	delivered := seedPayment(t, ctx, store, "sig-delivered")
	if err := store.AttachJob(ctx, delivered, "job-1"); err != nil {
		t.Fatalf("attach job: %v", err)
	}
	if err := store.MarkPaymentDelivered(ctx, delivered, "summary"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	submitted := seedPayment(t, ctx, store, "sig-submitted")
	if err := store.AttachJob(ctx, submitted, "job-2"); err != nil {
		t.Fatalf("attach job: %v", err)
	}
	verified := seedPayment(t, ctx, store, "sig-verified")
	if _, err := store.EnqueueNotificationEvent(ctx, verified, db.NotificationEventRefundFailed, "start failed"); err != nil {
		t.Fatalf("enqueue alert: %v", err)
	}

	srv := NewServer(store, Gauges{
		ActivePollers:  func() int64 { return 3 },
		ActiveSessions: func() int { return 5 },
	}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	var got struct {
		Status           string `json:"status"`
		UptimeSeconds    int    `json:"uptime_seconds"`
		ActivePollers    int    `json:"active_pollers"`
		QueuedPollers    int    `json:"queued_pollers"`
		ActiveSessions   int    `json:"active_sessions"`
		InFlightPayments int    `json:"in_flight_payments"`
		PendingAlerts    int    `json:"pending_alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "running" {
		t.Fatalf("expected status running, got %q", got.Status)
	}
	if got.InFlightPayments != 2 {
		t.Fatalf("expected in_flight_payments=2, got %d", got.InFlightPayments)
	}
	if got.PendingAlerts != 1 {
		t.Fatalf("expected pending_alerts=1, got %d", got.PendingAlerts)
	}
	if got.ActivePollers != 3 || got.ActiveSessions != 5 || got.QueuedPollers != 0 {
		t.Fatalf("unexpected gauges %+v", got)
	}
	if got.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %d", got.UptimeSeconds)
	}
}

func TestHealth_DBError(t *testing.T) {
	t.Parallel()

	store, err := db.Open(filepath.Join(t.TempDir(), "sqragent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Writer.Close()

	srv := NewServer(store, Gauges{}, nil)
	if err := store.Reader.Close(); err != nil {
		t.Fatalf("close reader: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var got map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["error"] != "internal error" {
		t.Fatalf("expected internal error payload, got %+v", got)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	store, err := db.Open(filepath.Join(t.TempDir(), "sqragent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "sqragent_up 1")
	})
	srv := NewServer(store, Gauges{}, metrics)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sqragent_up 1") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /health, got %d", rec.Code)
	}
}

func seedPayment(t *testing.T, ctx context.Context, store *db.Store, signature string) string {
	t.Helper()

	err := store.RecordPayment(ctx, db.NewPayment{
		Signature:   signature,
		RequestID:   "req-" + signature,
		ChatID:      42,
		SpaceURL:    "https://x.com/i/spaces/1YqKDqWqdPLJV",
		RequestType: "text",
		Amount:      "1000",
		BlockTime:   time.Now(),
	})
	if err != nil {
		t.Fatalf("record payment %q: %v", signature, err)
	}
	return signature
}
