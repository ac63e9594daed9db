package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// AuditLog implements store.AuditLog backed by SQLite.
type AuditLog struct {
	db *sql.DB
}

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (l *AuditLog) Append(ctx context.Context, conversationID, kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, kind, data, ts) VALUES (?, ?, ?, ?)`,
		conversationID, kind, string(raw), time.Now().UnixMilli())
	return err
}

func (l *AuditLog) List(ctx context.Context, conversationID string, limit int) ([]store.AuditEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, data, ts
		 FROM conversation_events
		 WHERE conversation_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.AuditEvent
	for rows.Next() {
		var ev store.AuditEvent
		var data string
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Kind, &data, &ev.TS); err != nil {
			return nil, err
		}
		ev.Data = []byte(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}
