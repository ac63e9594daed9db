package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// OpenDB opens a pooled Postgres connection via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Inbound:   NewPGInboundStore(db),
		Outbox:    NewPGOutboxStore(db),
		Snapshots: NewPGSnapshotStore(db),
		Audit:     NewPGAuditLog(db),
		Locks:     NewAdvisoryLockProvider(db),
	}, nil
}
