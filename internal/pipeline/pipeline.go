// Package pipeline routes one inbound event through ingestion, handoff
// gating, coalescing, the decision maker, and the outbox.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/turnstile/internal/coalesce"
	"github.com/nextlevelbuilder/turnstile/internal/store"
	"github.com/nextlevelbuilder/turnstile/internal/tracing"
)

// Decision is the external decision maker's answer to one coalesced turn.
// Handoff asks the pipeline to pause the conversation for a human instead
// of replying.
type Decision struct {
	Body          string
	Handoff       bool
	HandoffReason string
}

// DecisionMaker chooses how to respond to a coalesced turn. Opaque to the
// core; it may call out to anything.
type DecisionMaker interface {
	Decide(ctx context.Context, conversationID, turnText string, snap *store.Snapshot) (Decision, error)
}

// DecideFunc adapts a function to the DecisionMaker interface.
type DecideFunc func(ctx context.Context, conversationID, turnText string, snap *store.Snapshot) (Decision, error)

func (f DecideFunc) Decide(ctx context.Context, conversationID, turnText string, snap *store.Snapshot) (Decision, error) {
	return f(ctx, conversationID, turnText, snap)
}

// Outcome reports what happened to one inbound event.
type Outcome struct {
	EventID          int64  `json:"event_id"`
	Duplicate        bool   `json:"duplicate"`
	Queued           bool   `json:"queued"`
	Reason           string `json:"reason,omitempty"`
	JobID            int64  `json:"job_id,omitempty"`
	MessagesInWindow int    `json:"messages_in_window,omitempty"`
	Preview          string `json:"preview,omitempty"` // simulate only
}

// Outcome reasons for events that produced no queued reply.
const (
	ReasonPaused  = "handoff-paused"
	ReasonNoNew   = "no-new-messages"
	ReasonHandoff = "handoff-requested"
)

// Pipeline owns the per-event control flow. All collaborators are injected;
// there is no ambient container.
type Pipeline struct {
	stores  *store.Stores
	coal    *coalesce.Coordinator
	decider DecisionMaker
}

func New(stores *store.Stores, coal *coalesce.Coordinator, decider DecisionMaker) *Pipeline {
	return &Pipeline{stores: stores, coal: coal, decider: decider}
}

// HandleInbound records the event and, if the conversation is live, waits
// out the burst and enqueues the decided reply. The call blocks for up to
// the coalescer's hard cap; cancel ctx to abort early.
func (p *Pipeline) HandleInbound(ctx context.Context, ev *store.InboundEvent) (*Outcome, error) {
	return p.process(ctx, ev, true)
}

// Simulate runs the same flow but returns the decided reply as a preview
// instead of enqueueing it. Meant for development and smoke tests.
func (p *Pipeline) Simulate(ctx context.Context, ev *store.InboundEvent) (*Outcome, error) {
	return p.process(ctx, ev, false)
}

func (p *Pipeline) process(ctx context.Context, ev *store.InboundEvent, enqueue bool) (*Outcome, error) {
	ctx, span := tracing.Start(ctx, "pipeline.inbound",
		tracing.AttrConversationID.String(ev.ConversationID),
	)
	defer span.End()

	if ev.TraceID == "" {
		ev.TraceID = store.GenTraceID()
	}

	rr, err := p.stores.Inbound.Record(ctx, ev)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.AttrEventID.Int64(rr.ID), tracing.AttrDuplicate.Bool(rr.IsDuplicate))
	out := &Outcome{EventID: rr.ID, Duplicate: rr.IsDuplicate}

	if rr.IsDuplicate {
		// Redelivery of an already-recorded message: acknowledge without
		// routing. The original delivery owns the turn.
		p.audit(ctx, ev.ConversationID, store.AuditIngressDuplicate, map[string]any{
			"provider_message_id": ev.ProviderMessageID, "event_id": rr.ID,
		})
		slog.Info("ingress_duplicate", "conversation_id", ev.ConversationID,
			"provider_message_id", ev.ProviderMessageID, "event_id", rr.ID)
		return out, nil
	}
	p.audit(ctx, ev.ConversationID, store.AuditIngressRecorded, map[string]any{
		"provider_message_id": ev.ProviderMessageID, "event_id": rr.ID, "trace_id": ev.TraceID,
	})
	slog.Info("ingress_recorded", "conversation_id", ev.ConversationID,
		"provider_message_id", ev.ProviderMessageID, "event_id", rr.ID)

	snap, err := p.stores.Snapshots.Get(ctx, ev.ConversationID)
	if err != nil {
		return nil, err
	}
	if snap.Paused {
		// The event stays recorded for audit; nothing is routed while a
		// human owns the conversation.
		p.audit(ctx, ev.ConversationID, store.AuditHandoffGated, map[string]any{
			"provider_message_id": ev.ProviderMessageID,
		})
		out.Reason = ReasonPaused
		return out, nil
	}

	pkg, err := p.coal.Coalesce(ctx, ev.ConversationID, snap.LastProcessedEventID)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, ev.ConversationID, store.AuditCoalesceDone, pkg)

	if len(pkg.EventIDs) == 0 {
		// A concurrent coordinator already swept this turn up.
		out.Reason = ReasonNoNew
		return out, nil
	}
	out.MessagesInWindow = len(pkg.EventIDs)

	decision, err := p.decider.Decide(ctx, ev.ConversationID, pkg.UnifiedText, snap)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, ev.ConversationID, store.AuditDecisionMade, map[string]any{
		"handoff": decision.Handoff, "body": decision.Body,
	})

	if decision.Handoff {
		reason := decision.HandoffReason
		if reason == "" {
			reason = "decider_handoff"
		}
		if err := p.Pause(ctx, ev.ConversationID, reason); err != nil {
			return nil, err
		}
		out.Reason = ReasonHandoff
		return out, nil
	}

	if !enqueue {
		out.Preview = decision.Body
		return out, nil
	}

	jobID, err := p.stores.Outbox.Enqueue(ctx, ev.ConversationID, decision.Body, pkg.MaxEventID)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, ev.ConversationID, store.AuditOutboxEnqueued, map[string]any{
		"job_id": jobID, "source_watermark": pkg.MaxEventID,
	})
	slog.Info("outbox_enqueued", "conversation_id", ev.ConversationID, "job_id", jobID,
		"source_watermark", pkg.MaxEventID)

	out.Queued = true
	out.JobID = jobID
	return out, nil
}

// Pause stops routing new turns for the conversation until Resume.
func (p *Pipeline) Pause(ctx context.Context, conversationID, reason string) error {
	if err := p.stores.Snapshots.SetPaused(ctx, conversationID, true, reason); err != nil {
		return err
	}
	p.audit(ctx, conversationID, store.AuditHandoffSet, map[string]any{"paused": true, "reason": reason})
	slog.Info("handoff_set", "conversation_id", conversationID, "paused", true, "reason", reason)
	return nil
}

// Resume reopens the conversation for automatic replies.
func (p *Pipeline) Resume(ctx context.Context, conversationID string) error {
	if err := p.stores.Snapshots.SetPaused(ctx, conversationID, false, "resume"); err != nil {
		return err
	}
	p.audit(ctx, conversationID, store.AuditHandoffSet, map[string]any{"paused": false, "reason": "resume"})
	slog.Info("handoff_set", "conversation_id", conversationID, "paused", false)
	return nil
}

func (p *Pipeline) audit(ctx context.Context, conversationID, kind string, data any) {
	if err := p.stores.Audit.Append(ctx, conversationID, kind, data); err != nil {
		slog.Error("audit_append_failed", "kind", kind, "error", err)
	}
}
