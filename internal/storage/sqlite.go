package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:giftguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection keeps appends atomic and
	// reads consistent with them.
	db.SetMaxOpenConns(1)
	return &sqliteStore{newBase(db, false, opts)}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return initSchema(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS fraud_events (
			id TEXT PRIMARY KEY,
			gan TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			merchant_id TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_events_ip_ts ON fraud_events(ip_address, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_events_merchant_ts ON fraud_events(merchant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_events_gan ON fraud_events(gan)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_events_ts ON fraud_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			attempt_number INTEGER NOT NULL CHECK (attempt_number BETWEEN 1 AND 3),
			request_signature TEXT NOT NULL,
			http_status INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			UNIQUE (event_id, attempt_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_sent ON delivery_attempts(sent_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			merchant_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gift_cards (
			gan TEXT PRIMARY KEY,
			redeemed INTEGER NOT NULL DEFAULT 0,
			redeemed_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
	})
}
