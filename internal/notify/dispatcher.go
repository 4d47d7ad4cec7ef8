package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sqragent/internal/db"
)

const (
	defaultSendTimeout    = 4 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCleanupEvery   = 6 * time.Hour
	defaultRetention      = 7 * 24 * time.Hour
	defaultMaxSendAttempt = 5
)

type Dispatcher struct {
	store        *db.Store
	senders      []Sender
	triggers     map[string]struct{}
	sendTimeout  time.Duration
	pollEvery    time.Duration
	cleanupEvery time.Duration
	retention    time.Duration
	maxAttempts  int
	observe      func(sent bool)
}

func NewDispatcher(store *db.Store, senders []Sender, triggers []string) *Dispatcher {
	return &Dispatcher{
		store:        store,
		senders:      senders,
		triggers:     TriggerSet(triggers),
		sendTimeout:  defaultSendTimeout,
		pollEvery:    defaultPollInterval,
		cleanupEvery: defaultCleanupEvery,
		retention:    defaultRetention,
		maxAttempts:  defaultMaxSendAttempt,
	}
}

// OnDelivery registers a callback receiving whether each dispatched event
// reached at least one channel.
func (d *Dispatcher) OnDelivery(fn func(sent bool)) {
	d.observe = fn
}

func (d *Dispatcher) Run(ctx context.Context) {
	if d.store == nil {
		return
	}

	if recovered, err := d.store.RecoverProcessingNotificationEvents(ctx); err != nil {
		slog.Warn("notify: recover processing events failed", "err", err)
	} else if recovered > 0 {
		slog.Info("notify: recovered processing events", "count", recovered)
	}
	d.cleanup(ctx)

	pollTicker := time.NewTicker(d.pollEvery)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(d.cleanupEvery)
	defer cleanupTicker.Stop()

	for {
		processed, err := d.runOnce(ctx)
		if err != nil {
			slog.Warn("notify: dispatch failed", "err", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
		case <-cleanupTicker.C:
			d.cleanup(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	event, ok, err := d.store.ClaimNextNotificationEvent(ctx, d.maxAttempts)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := d.processEvent(ctx, event); err != nil {
		return true, err
	}
	return true, nil
}

// processEvent resolves one claimed refund alert. Alerts are skipped when no
// channel is configured, when their trigger is disabled, or when the payment
// has since been delivered and needs no refund.
func (d *Dispatcher) processEvent(ctx context.Context, event db.NotificationEvent) error {
	if len(d.senders) == 0 {
		return d.skip(ctx, event, "no notification channels configured")
	}
	if _, ok := d.triggers[event.EventType]; !ok {
		return d.skip(ctx, event, "trigger disabled")
	}

	payment, err := d.store.GetPayment(ctx, event.Signature)
	if err != nil {
		err = fmt.Errorf("load payment %s: %w", db.ShortSig(event.Signature), err)
		if markErr := d.store.MarkNotificationEventFailed(ctx, event.ID, err.Error()); markErr != nil {
			return fmt.Errorf("%v (mark failed: %w)", err, markErr)
		}
		return fmt.Errorf("refund alert %d: %w", event.ID, err)
	}
	if payment.Status == db.PaymentDelivered {
		return d.skip(ctx, event, "payment delivered")
	}

	results := SendAll(ctx, d.senders, PayloadFromPayment(event, payment), d.sendTimeout)
	delivered := successCount(results) > 0
	if d.observe != nil {
		d.observe(delivered)
	}
	if !delivered {
		summary := summarizeFailures(results)
		if summary == "" {
			summary = "all channels failed"
		}
		if err := d.store.MarkNotificationEventFailed(ctx, event.ID, summary); err != nil {
			return fmt.Errorf("mark refund alert %d failed: %w", event.ID, err)
		}
		return fmt.Errorf("refund alert %d for payment %s not delivered: %s", event.ID, db.ShortSig(event.Signature), summary)
	}

	if err := d.store.MarkNotificationEventSent(ctx, event.ID); err != nil {
		return fmt.Errorf("mark refund alert %d sent: %w", event.ID, err)
	}
	for _, result := range results {
		if !result.Success {
			slog.Warn("notify: channel send failed", "channel", result.Channel, "signature", db.ShortSig(event.Signature), "event", event.EventType, "err", result.Error)
		}
	}
	slog.Info("notify: refund alert sent", "signature", db.ShortSig(event.Signature), "event", event.EventType, "chat_id", payment.ChatID, "amount", payment.Amount)
	return nil
}

func (d *Dispatcher) skip(ctx context.Context, event db.NotificationEvent, reason string) error {
	if err := d.store.MarkNotificationEventSkipped(ctx, event.ID, reason); err != nil {
		return fmt.Errorf("skip refund alert %d: %w", event.ID, err)
	}
	slog.Debug("notify: refund alert skipped", "signature", db.ShortSig(event.Signature), "event", event.EventType, "reason", reason)
	return nil
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	skipped, err := d.store.SkipExhaustedNotificationEvents(ctx, d.maxAttempts)
	if err != nil {
		slog.Warn("notify: skip exhausted events failed", "err", err)
	} else if skipped > 0 {
		slog.Info("notify: skipped exhausted events", "count", skipped)
	}

	if d.retention <= 0 {
		return
	}
	deleted, err := d.store.DeleteOldNotificationEvents(ctx, d.retention)
	if err != nil {
		slog.Warn("notify: cleanup failed", "err", err)
	} else if deleted > 0 {
		slog.Debug("notify: cleaned old events", "count", deleted)
	}
}
