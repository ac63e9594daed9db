package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// SnapshotStore implements store.SnapshotStore backed by SQLite. Mutations
// run inside one transaction; the single-writer connection serializes
// concurrent mutators so read-modify-write merges stay intact.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Get(ctx context.Context, conversationID string) (*store.Snapshot, error) {
	var summary sql.NullString
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_summary, snapshot FROM conversation_state WHERE conversation_id = ?`,
		conversationID,
	).Scan(&summary, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.Snapshot{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &store.Snapshot{ConversationID: conversationID, MemorySummary: summary.String}
	if err := snap.UnmarshalDoc([]byte(doc)); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", conversationID, err)
	}
	return snap, nil
}

func (s *SnapshotStore) mutate(ctx context.Context, conversationID string, fn func(*store.Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, snapshot) VALUES (?, '{}')
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID); err != nil {
		return err
	}

	var summary sql.NullString
	var doc string
	if err := tx.QueryRowContext(ctx,
		`SELECT memory_summary, snapshot FROM conversation_state WHERE conversation_id = ?`,
		conversationID,
	).Scan(&summary, &doc); err != nil {
		return err
	}

	snap := &store.Snapshot{ConversationID: conversationID, MemorySummary: summary.String}
	if err := snap.UnmarshalDoc([]byte(doc)); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", conversationID, err)
	}

	if err := fn(snap); err != nil {
		return err
	}

	out, err := snap.MarshalDoc()
	if err != nil {
		return err
	}
	var summaryOut any
	if snap.MemorySummary != "" {
		summaryOut = snap.MemorySummary
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_state SET memory_summary = ?, snapshot = ? WHERE conversation_id = ?`,
		summaryOut, string(out), conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SnapshotStore) AdvanceWatermark(ctx context.Context, conversationID string, eventID int64) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		if eventID > snap.LastProcessedEventID {
			snap.LastProcessedEventID = eventID
		}
		return nil
	})
}

func (s *SnapshotStore) SetPaused(ctx context.Context, conversationID string, paused bool, reason string) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.Paused = paused
		if reason != "" {
			snap.PausedReason = reason
		}
		return nil
	})
}

func (s *SnapshotStore) SetMemorySummary(ctx context.Context, conversationID, summary string) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.MemorySummary = summary
		return nil
	})
}

func (s *SnapshotStore) UpsertAddress(ctx context.Context, conversationID string, addr store.Address) error {
	return s.mutate(ctx, conversationID, func(snap *store.Snapshot) error {
		snap.Address = &addr
		return nil
	})
}

func (s *SnapshotStore) CreatePaymentIntent(ctx context.Context, conversationID string, amountCents int64) (*store.PaymentIntent, error) {
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

func (s *SnapshotStore) GetPaymentIntent(ctx context.Context, conversationID, paymentID string) (*store.PaymentIntent, error) {
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

func (s *SnapshotStore) UpdatePaymentStatus(ctx context.Context, conversationID, paymentID string, status store.PaymentStatus) (*store.PaymentIntent, error) {
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
