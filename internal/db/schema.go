package db

import (
	"fmt"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS payments (
    signature     TEXT PRIMARY KEY,
    request_id    TEXT NOT NULL,
    chat_id       INTEGER NOT NULL,
    space_url     TEXT NOT NULL,
    request_type  TEXT NOT NULL CHECK(request_type IN ('text', 'audio')),
    amount        TEXT NOT NULL,
    block_time    TEXT NOT NULL,
    job_id        TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'verified'
        CHECK(status IN ('verified','submitted','delivered','failed','cancelled')),
    summary       TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    completed_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
CREATE INDEX IF NOT EXISTS idx_payments_chat ON payments(chat_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_payments_job ON payments(job_id);

CREATE TABLE IF NOT EXISTS knowledge (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS notification_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    signature  TEXT NOT NULL REFERENCES payments(signature) ON DELETE CASCADE,
    event_type TEXT NOT NULL CHECK(event_type IN ('refund_failed','refund_timeout','refund_cancelled')),
    reason     TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','sent','failed','skipped')),
    attempts   INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_notification_events_status_created
    ON notification_events(status, created_at);
CREATE INDEX IF NOT EXISTS idx_notification_events_signature
    ON notification_events(signature);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return nil
}
