// Package sqlite provides the standalone-mode storage backend. It exists so
// a single-node deployment (and the test suite) can run without Postgres;
// the Postgres backend in store/pg is the managed-mode equivalent.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS inbound_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	text TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	UNIQUE (conversation_id, provider_message_id)
);
CREATE INDEX IF NOT EXISTS idx_inbound_conv ON inbound_events (conversation_id, id);

CREATE TABLE IF NOT EXISTS outbound_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	provider_message_id TEXT,
	created_at TIMESTAMP NOT NULL,
	sent_at TIMESTAMP,
	source_watermark INTEGER NOT NULL DEFAULT 0,
	claimed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_jobs (status, id);

CREATE TABLE IF NOT EXISTS conversation_state (
	conversation_id TEXT PRIMARY KEY,
	memory_summary TEXT,
	snapshot TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS conversation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	data TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_conv ON conversation_events (conversation_id, id);
`

// OpenDB opens (and initializes) the standalone SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serialize access through a single
	// connection instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by SQLite (standalone mode).
// The lock provider is in-process: correct for a single node, which is the
// only deployment shape this backend supports.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Inbound:   NewInboundStore(db),
		Outbox:    NewOutboxStore(db),
		Snapshots: NewSnapshotStore(db),
		Audit:     NewAuditLog(db),
		Locks:     NewLocalLockProvider(),
	}, nil
}
