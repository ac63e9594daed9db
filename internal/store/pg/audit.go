package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// PGAuditLog implements store.AuditLog backed by Postgres.
type PGAuditLog struct {
	db *sql.DB
}

func NewPGAuditLog(db *sql.DB) *PGAuditLog {
	return &PGAuditLog{db: db}
}

func (l *PGAuditLog) Append(ctx context.Context, conversationID, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, kind, data, ts) VALUES ($1, $2, $3, $4)`,
		conversationID, kind, raw, time.Now().UnixMilli())
	return err
}

func (l *PGAuditLog) List(ctx context.Context, conversationID string, limit int) ([]store.AuditEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, data, ts
		 FROM conversation_events
		 WHERE conversation_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.AuditEvent
	for rows.Next() {
		var ev store.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Kind, &ev.Data, &ev.TS); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
