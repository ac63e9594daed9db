package store

import (
	"encoding/json"
	"time"
)

// InboundEvent is one raw provider message recorded at ingress.
// Rows are append-only: created once, never mutated. The store-assigned id
// is the canonical arrival order within a conversation.
type InboundEvent struct {
	ID                int64           `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	ProviderMessageID string          `json:"provider_message_id"`
	SenderID          string          `json:"sender_id"`
	Payload           json.RawMessage `json:"payload"`
	Text              string          `json:"text"`
	ReceivedAt        time.Time       `json:"received_at"`
	TraceID           string          `json:"trace_id"`
}

// RecordResult is returned by InboundStore.Record. Duplicate deliveries of
// the same (conversation_id, provider_message_id) return the original row's
// id with IsDuplicate set.
type RecordResult struct {
	ID          int64
	IsDuplicate bool
}

// JobStatus is the lifecycle state of an OutboundJob.
// Transitions only move queued -> {sent, cancelled, dead_letter}.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobSent       JobStatus = "sent"
	JobCancelled  JobStatus = "cancelled"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobCancelled || s == JobDeadLetter
}

// OutboundJob is a durable queued reply awaiting dispatch.
// SourceWatermark is the highest InboundEvent id visible when the reply was
// computed; a newer inbound event for the conversation makes the job stale.
type OutboundJob struct {
	ID                int64      `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	Body              string     `json:"body"`
	Status            JobStatus  `json:"status"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	SourceWatermark   int64      `json:"source_watermark"`
}

// PaymentStatus is the state of a payment intent stored in the snapshot.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentExpired   PaymentStatus = "expired"
	PaymentCancelled PaymentStatus = "cancelled"
)

// PaymentIntent is a lightweight payment request attached to a conversation.
type PaymentIntent struct {
	ID          string        `json:"id"`
	AmountCents int64         `json:"amount_cents"`
	Status      PaymentStatus `json:"status"`
	PixCode     string        `json:"pix_code"`
	CreatedTS   int64         `json:"created_ts"` // epoch ms
}

// Address is the delivery address stored in the snapshot.
type Address struct {
	Street     string `json:"street,omitempty"`
	Number     string `json:"number,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city,omitempty"`
	Complement string `json:"complement,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Snapshot is the per-conversation mutable state document.
// LastProcessedEventID only advances forward, and only after the outbound
// job computed from that watermark reaches sent.
type Snapshot struct {
	ConversationID       string          `json:"conversation_id"`
	MemorySummary        string          `json:"memory_summary,omitempty"`
	LastProcessedEventID int64           `json:"last_processed_event_id"`
	Paused               bool            `json:"paused"`
	PausedReason         string          `json:"paused_reason,omitempty"`
	Address              *Address        `json:"address,omitempty"`
	Payments             []PaymentIntent `json:"payments,omitempty"`

	// Extra carries unknown snapshot keys through read-modify-write cycles
	// so older rows written by newer code survive a round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// AuditEvent is one append-only audit trail row.
type AuditEvent struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"kind"`
	Data           json.RawMessage `json:"data"`
	TS             int64           `json:"ts"` // epoch ms
}

// Audit event kinds written by the pipeline, coordinator and dispatcher.
const (
	AuditIngressRecorded    = "ingress_recorded"
	AuditIngressDuplicate   = "ingress_duplicate"
	AuditHandoffGated       = "handoff_gated"
	AuditCoalesceDone       = "coalesce_done"
	AuditDecisionMade       = "decision_made"
	AuditOutboxEnqueued     = "outbox_enqueued"
	AuditDispatchSent       = "dispatch_sent"
	AuditDispatchRetry      = "dispatch_retry"
	AuditDispatchCancelled  = "dispatch_cancelled"
	AuditDispatchDeadLetter = "dispatch_dead_letter"
	AuditHandoffSet         = "handoff_set"
	AuditAddressUpsert      = "address_upsert"
	AuditPaymentCreated     = "payment_created"
	AuditPaymentStatus      = "payment_status"
	AuditSnapshotAdvanced   = "snapshot_advanced"
)
