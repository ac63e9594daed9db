package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// PGInboundStore implements store.InboundStore backed by Postgres.
type PGInboundStore struct {
	db *sql.DB
}

func NewPGInboundStore(db *sql.DB) *PGInboundStore {
	return &PGInboundStore{db: db}
}

func (s *PGInboundStore) Record(ctx context.Context, ev *store.InboundEvent) (store.RecordResult, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inbound_events (conversation_id, provider_message_id, sender_id, payload, text, received_at, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (conversation_id, provider_message_id) DO NOTHING
		 RETURNING id`,
		ev.ConversationID, ev.ProviderMessageID, ev.SenderID, payload, ev.Text, ev.ReceivedAt, ev.TraceID,
	).Scan(&id)
	if err == nil {
		ev.ID = id
		return store.RecordResult{ID: id}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.RecordResult{}, err
	}

	// Conflict: the provider redelivered. Fetch the original row's id.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM inbound_events WHERE conversation_id = $1 AND provider_message_id = $2`,
		ev.ConversationID, ev.ProviderMessageID,
	).Scan(&id)
	if err != nil {
		return store.RecordResult{}, err
	}
	ev.ID = id
	return store.RecordResult{ID: id, IsDuplicate: true}, nil
}

func (s *PGInboundStore) MaxEventID(ctx context.Context, conversationID string, sinceID int64) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM inbound_events WHERE conversation_id = $1 AND id > $2`,
		conversationID, sinceID,
	).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

func (s *PGInboundStore) EventsBetween(ctx context.Context, conversationID string, sinceID, maxID int64) ([]store.InboundEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, provider_message_id, sender_id, payload, text, received_at, trace_id
		 FROM inbound_events
		 WHERE conversation_id = $1 AND id > $2 AND id <= $3
		 ORDER BY id`,
		conversationID, sinceID, maxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.InboundEvent
	for rows.Next() {
		var ev store.InboundEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.ProviderMessageID, &ev.SenderID,
			&ev.Payload, &ev.Text, &ev.ReceivedAt, &ev.TraceID); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PGInboundStore) HasNewer(ctx context.Context, conversationID string, sinceID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM inbound_events WHERE conversation_id = $1 AND id > $2 LIMIT 1`,
		conversationID, sinceID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
