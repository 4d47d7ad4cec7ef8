package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sqragent/internal/db"
)

type stubSender struct {
	name     string
	err      error
	payloads []Payload
}

func (s *stubSender) Name() string { return s.name }

func (s *stubSender) Send(_ context.Context, payload Payload) error {
	s.payloads = append(s.payloads, payload)
	return s.err
}

func TestDispatcherMarksEventSent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-sent")
	if err := store.CloseUnsuccessful(ctx, sig, db.PaymentFailed, "space not found"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundFailed, "space not found"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sender := &stubSender{name: "stub"}
	dispatcher := NewDispatcher(store, []Sender{sender}, []string{TriggerRefundFailed})
	var observed []bool
	dispatcher.OnDelivery(func(sent bool) { observed = append(observed, sent) })
	processed, err := dispatcher.runOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed {
		t.Fatal("expected event to be processed")
	}

	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusSent, 0)
	if err != nil {
		t.Fatalf("list sent events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 sent event, got %d", len(events))
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("expected 1 payload sent, got %d", len(sender.payloads))
	}
	got := sender.payloads[0]
	if got.Signature != sig || got.ChatID != 1001 || got.Amount != "1000" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Reason != "space not found" {
		t.Fatalf("expected event reason in payload, got %q", got.Reason)
	}
	if len(observed) != 1 || !observed[0] {
		t.Fatalf("expected one successful delivery observation, got %v", observed)
	}
}

func TestDispatcherMarksDisabledTriggerSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-disabled")
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundCancelled, "user cancelled"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dispatcher := NewDispatcher(store, []Sender{&stubSender{name: "stub"}}, []string{TriggerRefundFailed})
	processed, err := dispatcher.runOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed {
		t.Fatal("expected event to be processed")
	}

	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusSkipped, 0)
	if err != nil {
		t.Fatalf("list skipped events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 skipped event, got %d", len(events))
	}
}

func TestDispatcherSkipsWithoutChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-nochannels")
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundTimeout, "timed out"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := NewDispatcher(store, nil, nil).runOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusSkipped, 0)
	if err != nil {
		t.Fatalf("list skipped events: %v", err)
	}
	if len(events) != 1 || events[0].LastError != "no notification channels configured" {
		t.Fatalf("unexpected skipped events %+v", events)
	}
}

func TestDispatcherMarksFailuresAndSkipsExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-failing")
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundFailed, "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dispatcher := NewDispatcher(store, []Sender{&stubSender{name: "stub", err: errors.New("boom")}}, []string{TriggerRefundFailed})
	dispatcher.maxAttempts = 1
	processed, err := dispatcher.runOnce(ctx)
	if !processed {
		t.Fatal("expected event to be processed")
	}
	if err == nil {
		t.Fatal("expected send failure")
	}

	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusFailed, 0)
	if err != nil {
		t.Fatalf("list failed events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(events))
	}
	if events[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", events[0].Attempts)
	}

	dispatcher.cleanup(ctx)
	skipped, err := store.ListNotificationEvents(ctx, db.NotificationStatusSkipped, 0)
	if err != nil {
		t.Fatalf("list skipped events: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected exhausted event to be skipped, got %d", len(skipped))
	}
}

func TestDispatcherSkipsAlertForDeliveredPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-late")
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundTimeout, "poll deadline passed"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkPaymentDelivered(ctx, sig, "late summary"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	sender := &stubSender{name: "stub"}
	if _, err := NewDispatcher(store, []Sender{sender}, DefaultTriggers()).runOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sender.payloads) != 0 {
		t.Fatalf("expected no alert for a delivered payment, got %+v", sender.payloads)
	}
	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusSkipped, 0)
	if err != nil {
		t.Fatalf("list skipped events: %v", err)
	}
	if len(events) != 1 || events[0].LastError != "payment delivered" {
		t.Fatalf("unexpected skipped events %+v", events)
	}
}

func TestDispatcherFailsAlertForUnknownPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	defer store.Close()

	sig := createNotifyTestPayment(t, ctx, store, "sig-gone")
	if _, err := store.EnqueueNotificationEvent(ctx, sig, TriggerRefundFailed, "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Writer.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := store.Writer.ExecContext(ctx, `DELETE FROM payments WHERE signature = ?`, sig); err != nil {
		t.Fatalf("delete payment: %v", err)
	}

	sender := &stubSender{name: "stub"}
	_, err := NewDispatcher(store, []Sender{sender}, DefaultTriggers()).runOnce(ctx)
	if err == nil {
		t.Fatal("expected missing payment error")
	}
	if len(sender.payloads) != 0 {
		t.Fatalf("expected nothing sent, got %+v", sender.payloads)
	}
	events, err := store.ListNotificationEvents(ctx, db.NotificationStatusFailed, 0)
	if err != nil {
		t.Fatalf("list failed events: %v", err)
	}
	if len(events) != 1 || events[0].Attempts != 1 {
		t.Fatalf("unexpected failed events %+v", events)
	}
}

func openNotifyTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "sqragent.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return store
}

func createNotifyTestPayment(t *testing.T, ctx context.Context, store *db.Store, sig string) string {
	t.Helper()
	err := store.RecordPayment(ctx, db.NewPayment{
		Signature:   sig,
		RequestID:   "req-" + sig,
		ChatID:      1001,
		SpaceURL:    "https://x.com/i/spaces/1abc",
		RequestType: "text",
		Amount:      "1000",
		BlockTime:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if err := store.AttachJob(ctx, sig, "job-"+sig); err != nil {
		t.Fatalf("attach job: %v", err)
	}
	return sig
}
