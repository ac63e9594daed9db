package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// PGSnapshotStore implements store.SnapshotStore backed by Postgres.
// Every mutation runs as one transaction that locks the conversation row
// (SELECT ... FOR UPDATE), so concurrent field updates merge instead of
// overwriting each other.
type PGSnapshotStore struct {
	db *sql.DB
}

func NewPGSnapshotStore(db *sql.DB) *PGSnapshotStore {
	return &PGSnapshotStore{db: db}
}

func (s *PGSnapshotStore) Get(ctx context.Context, conversationID string) (*store.Snapshot, error) {
	var summary sql.NullString
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_summary, snapshot FROM conversation_state WHERE conversation_id = $1`,
		conversationID,
	).Scan(&summary, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		// Lazily created on first write; absent rows read as zero state.
		return &store.Snapshot{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &store.Snapshot{ConversationID: conversationID, MemorySummary: summary.String}
	if err := snap.UnmarshalDoc(doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", conversationID, err)
	}
	return snap, nil
}

// mutate loads the row under FOR UPDATE, applies fn, and writes the result
// back in the same transaction. The row is created if missing.
func (s *PGSnapshotStore) mutate(ctx context.Context, conversationID string, fn func(*store.Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, snapshot) VALUES ($1, '{}')
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID); err != nil {
		return err
	}

	var summary sql.NullString
	var doc []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT memory_summary, snapshot FROM conversation_state WHERE conversation_id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&summary, &doc); err != nil {
		return err
	}

	snap := &store.Snapshot{ConversationID: conversationID, MemorySummary: summary.String}
	if err := snap.UnmarshalDoc(doc); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", conversationID, err)
	}

	if err := fn(snap); err != nil {
		return err
	}

	out, err := snap.MarshalDoc()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_state SET memory_summary = $2, snapshot = $3 WHERE conversation_id = $1`,
		conversationID, nullIfEmpty(snap.MemorySummary), out); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGSnapshotStore) AdvanceWatermark(ctx context.Context, conversationID string, eventID int64) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		if eventID > snap.LastProcessedEventID {
			snap.LastProcessedEventID = eventID
		}
		return nil
	})
}

func (s *PGSnapshotStore) SetPaused(ctx context.Context, conversationID string, paused bool, reason string) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.Paused = paused
		if reason != "" {
			snap.PausedReason = reason
		}
		return nil
	})
}

func (s *PGSnapshotStore) SetMemorySummary(ctx context.Context, conversationID, summary string) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.MemorySummary = summary
		return nil
	})
}

func (s *PGSnapshotStore) UpsertAddress(ctx context.Context, conversationID string, addr store.Address) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.Address = &addr
		return nil
	})
}

func (s *PGSnapshotStore) CreatePaymentIntent(ctx context.Context, conversationID string, amountCents int64) (*store.PaymentIntent, error) {
	var intent store.PaymentIntent
	err := s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		now := time.Now()
		intent = store.PaymentIntent{
			ID:          store.GenPaymentID(now),
			AmountCents: amountCents,
			Status:      store.PaymentPending,
			CreatedTS:   now.UnixMilli(),
		}
		intent.PixCode = store.PixCode(intent.ID, amountCents)
		snap.Payments = append(snap.Payments, intent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *PGSnapshotStore) GetPaymentIntent(ctx context.Context, conversationID, paymentID string) (*store.PaymentIntent, error) {
	snap, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range snap.Payments {
		if snap.Payments[i].ID == paymentID {
			return &snap.Payments[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *PGSnapshotStore) UpdatePaymentStatus(ctx context.Context, conversationID, paymentID string, status store.PaymentStatus) (*store.PaymentIntent, error) {
	var updated *store.PaymentIntent
	err := s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		for i := range snap.Payments {
			if snap.Payments[i].ID == paymentID {
				snap.Payments[i].Status = status
				p := snap.Payments[i]
				updated = &p
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
