package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that reference a missing row.
var ErrNotFound = errors.New("store: not found")

// InboundStore records and reads raw inbound events.
type InboundStore interface {
	// Record inserts the event if its (conversation_id, provider_message_id)
	// pair is new, otherwise returns the existing row's id with IsDuplicate
	// set. Duplicate webhook deliveries are expected, not errors.
	Record(ctx context.Context, ev *InboundEvent) (RecordResult, error)

	// MaxEventID returns the highest event id for the conversation with
	// id > sinceID, or 0 when there is none.
	MaxEventID(ctx context.Context, conversationID string, sinceID int64) (int64, error)

	// EventsBetween returns events with sinceID < id <= maxID for the
	// conversation, ordered by id ascending.
	EventsBetween(ctx context.Context, conversationID string, sinceID, maxID int64) ([]InboundEvent, error)

	// HasNewer reports whether an event with id > sinceID exists for the
	// conversation. Used by the dispatcher's preflight staleness check.
	HasNewer(ctx context.Context, conversationID string, sinceID int64) (bool, error)
}

// OutboxStore is the durable queue of pending replies.
type OutboxStore interface {
	// Enqueue appends a queued job and returns its id.
	Enqueue(ctx context.Context, conversationID, body string, sourceWatermark int64) (int64, error)

	// Claim returns up to limit queued jobs in creation order, skipping rows
	// currently claimed by a concurrent dispatcher.
	Claim(ctx context.Context, limit int) ([]OutboundJob, error)

	// MarkSent transitions the job to sent, stamping sent_at and the
	// provider's message id.
	MarkSent(ctx context.Context, jobID int64, providerMessageID string) error

	// MarkCancelled transitions the job to cancelled (stale preflight).
	MarkCancelled(ctx context.Context, jobID int64) error

	// RecordFailure increments attempts and records the error. When attempts
	// reaches deadLetterAt the job transitions to dead_letter, otherwise it
	// stays queued for the next cycle. Returns the new attempt count and
	// whether the job was dead-lettered.
	RecordFailure(ctx context.Context, jobID int64, sendErr string, deadLetterAt int) (int, bool, error)

	// RequeueStale releases claims taken before staleBefore whose jobs are
	// still queued, making them claimable again after a dispatcher crash.
	// Returns the number of jobs released.
	RequeueStale(ctx context.Context, staleBefore time.Time) (int, error)

	// Get returns a single job by id.
	Get(ctx context.Context, jobID int64) (*OutboundJob, error)
}

// SnapshotStore owns all mutation of per-conversation state. Other
// components read snapshots but write only through these field-level
// operations, each of which runs as one read-modify-write transaction
// holding the row lock.
type SnapshotStore interface {
	Get(ctx context.Context, conversationID string) (*Snapshot, error)

	// AdvanceWatermark raises last_processed_event_id to eventID if (and
	// only if) eventID is higher than the current value.
	AdvanceWatermark(ctx context.Context, conversationID string, eventID int64) error

	// SetPaused toggles handoff gating for the conversation.
	SetPaused(ctx context.Context, conversationID string, paused bool, reason string) error

	SetMemorySummary(ctx context.Context, conversationID, summary string) error

	UpsertAddress(ctx context.Context, conversationID string, addr Address) error

	CreatePaymentIntent(ctx context.Context, conversationID string, amountCents int64) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, conversationID, paymentID string) (*PaymentIntent, error)
	UpdatePaymentStatus(ctx context.Context, conversationID, paymentID string, status PaymentStatus) (*PaymentIntent, error)
}

// AuditLog is the append-only audit trail. Data must be JSON-marshalable.
type AuditLog interface {
	Append(ctx context.Context, conversationID, kind string, data any) error
	List(ctx context.Context, conversationID string, limit int) ([]AuditEvent, error)
}

// LockProvider is a named, process-external mutex with non-blocking acquire.
// Postgres implements it with advisory locks; standalone mode with an
// in-process keyed mutex.
type LockProvider interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}

// Stores bundles the storage backends handed to each component at startup.
type Stores struct {
	Inbound   InboundStore
	Outbox    OutboxStore
	Snapshots SnapshotStore
	Audit     AuditLog
	Locks     LockProvider
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	PostgresDSN string // managed mode
	SQLitePath  string // standalone mode
}
