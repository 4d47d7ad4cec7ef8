package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Refund alert events raised when a paid request does not end in delivery.
const (
	NotificationEventRefundFailed    = "refund_failed"
	NotificationEventRefundTimeout   = "refund_timeout"
	NotificationEventRefundCancelled = "refund_cancelled"
)

const (
	NotificationStatusPending    = "pending"
	NotificationStatusProcessing = "processing"
	NotificationStatusSent       = "sent"
	NotificationStatusFailed     = "failed"
	NotificationStatusSkipped    = "skipped"
)

const recoveredNotificationEventError = "notification dispatcher restarted while event was processing"

type NotificationEvent struct {
	ID        int64
	Signature string
	EventType string
	Reason    string
	Status    string
	Attempts  int
	LastError string
	CreatedAt string
	UpdatedAt string
}

// EnqueueNotificationEvent queues a refund alert for a payment. A payment has
// at most one open alert per event type: while an earlier one is still
// pending, processing or failed, its id is returned instead of a new row.
func (s *Store) EnqueueNotificationEvent(ctx context.Context, signature, eventType, reason string) (int64, error) {
	if err := validateNotificationEventType(eventType); err != nil {
		return 0, err
	}
	id, err := enqueueRefundAlert(ctx, s.Writer, signature, eventType, reason)
	if err != nil {
		return 0, fmt.Errorf("enqueue notification event for payment %s: %w", ShortSig(signature), err)
	}
	return id, nil
}

type alertExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func enqueueRefundAlert(ctx context.Context, ex alertExecer, signature, eventType, reason string) (int64, error) {
	var open int64
	err := ex.QueryRowContext(ctx, `
SELECT id FROM notification_events
WHERE signature = ? AND event_type = ? AND status IN ('pending', 'processing', 'failed')
ORDER BY id ASC LIMIT 1`, signature, eventType).Scan(&open)
	switch {
	case err == nil:
		return open, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	res, err := ex.ExecContext(ctx, `
INSERT INTO notification_events(signature, event_type, reason, status)
VALUES(?, ?, ?, 'pending')`, signature, eventType, trimNotificationError(reason))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const notificationColumns = `id, signature, event_type, reason, status, attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanNotificationEvent(row interface{ Scan(...any) error }) (NotificationEvent, error) {
	var e NotificationEvent
	err := row.Scan(&e.ID, &e.Signature, &e.EventType, &e.Reason, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *Store) ListNotificationEvents(ctx context.Context, status string, limit int) ([]NotificationEvent, error) {
	q := `SELECT ` + notificationColumns + ` FROM notification_events`
	args := make([]any, 0, 2)
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	defer rows.Close()

	out := make([]NotificationEvent, 0, max(1, limit))
	for rows.Next() {
		event, err := scanNotificationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	return out, nil
}

// CountPendingNotificationEvents counts refund alerts not yet handed to a
// channel: queued ones and the one currently being sent.
func (s *Store) CountPendingNotificationEvents(ctx context.Context) (int, error) {
	var count int
	err := s.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_events WHERE status IN ('pending', 'processing')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending notification events: %w", err)
	}
	return count, nil
}

// ClaimNextNotificationEvent moves the oldest claimable alert to processing.
// Failed alerts become claimable again after a backoff of 5s, 15s, 60s and
// then 5m per attempt.
func (s *Store) ClaimNextNotificationEvent(ctx context.Context, maxAttempts int) (NotificationEvent, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	q := `
UPDATE notification_events
SET status = 'processing',
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = (
	SELECT id
	FROM notification_events
	WHERE attempts < ?
	  AND (
		status = 'pending'
		OR (
			status = 'failed'
			AND unixepoch(updated_at) <= unixepoch('now') - CASE
				WHEN attempts <= 1 THEN 5
				WHEN attempts = 2 THEN 15
				WHEN attempts = 3 THEN 60
				ELSE 300
			END
		)
	  )
	ORDER BY created_at ASC, id ASC
	LIMIT 1
)
RETURNING ` + notificationColumns

	event, err := scanNotificationEvent(s.Writer.QueryRowContext(ctx, q, maxAttempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationEvent{}, false, nil
		}
		return NotificationEvent{}, false, fmt.Errorf("claim notification event: %w", err)
	}
	return event, true, nil
}

func (s *Store) MarkNotificationEventSent(ctx context.Context, id int64) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'sent',
    last_error = '',
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification event %d sent: %w", id, err)
	}
	return nil
}

func (s *Store) MarkNotificationEventFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'failed',
    attempts = attempts + 1,
    last_error = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, trimNotificationError(lastError), id)
	if err != nil {
		return fmt.Errorf("mark notification event %d failed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkNotificationEventSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'skipped',
    last_error = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, trimNotificationError(reason), id)
	if err != nil {
		return fmt.Errorf("mark notification event %d skipped: %w", id, err)
	}
	return nil
}

func (s *Store) RecoverProcessingNotificationEvents(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'failed',
    attempts = attempts + 1,
    last_error = CASE
		WHEN last_error = '' THEN ?
		ELSE last_error
	END,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE status = 'processing'`, recoveredNotificationEventError)
	if err != nil {
		return 0, fmt.Errorf("recover processing notification events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SkipExhaustedNotificationEvents(ctx context.Context, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	res, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'skipped',
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    last_error = CASE
		WHEN last_error = '' THEN 'max attempts reached'
		ELSE last_error
	END
WHERE status = 'failed' AND attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("skip exhausted notification events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteOldNotificationEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := s.Writer.ExecContext(ctx, `
DELETE FROM notification_events
WHERE status IN ('sent', 'skipped')
  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notification events: %w", err)
	}
	return res.RowsAffected()
}

func validateNotificationEventType(eventType string) error {
	switch eventType {
	case NotificationEventRefundFailed, NotificationEventRefundTimeout, NotificationEventRefundCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported notification event type %q", eventType)
	}
}

func trimNotificationError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if len(msg) > 512 {
		return msg[:512]
	}
	return msg
}
