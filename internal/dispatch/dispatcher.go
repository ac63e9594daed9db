// Package dispatch drains the outbox: preflight staleness check, provider
// send, retry bookkeeping, and watermark advancement.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/turnstile/internal/egress"
	"github.com/nextlevelbuilder/turnstile/internal/store"
	"github.com/nextlevelbuilder/turnstile/internal/tracing"
)

// claimLease is how long a claimed-but-unfinished job stays invisible to
// other dispatchers before the sweep releases it (crash recovery).
const claimLease = 2 * time.Minute

// Options tunes a Dispatcher.
type Options struct {
	BatchLimit    int           // jobs per cycle, default 20
	Interval      time.Duration // pause between cycles, default 1s
	DeadLetterAt  int           // attempts threshold, default 5
	SweepSchedule string        // cron expression for the stale-claim sweep, default every minute
}

func (o *Options) withDefaults() {
	if o.BatchLimit <= 0 {
		o.BatchLimit = 20
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.DeadLetterAt <= 0 {
		o.DeadLetterAt = 5
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = "* * * * *"
	}
}

// Dispatcher periodically sends queued outbox jobs through the egress sink.
type Dispatcher struct {
	stores *store.Stores
	sink   egress.Sink
	opts   Options
	cron   *gronx.Gronx
}

func New(stores *store.Stores, sink egress.Sink, opts Options) *Dispatcher {
	opts.withDefaults()
	return &Dispatcher{stores: stores, sink: sink, opts: opts, cron: gronx.New()}
}

// Run drains the outbox on a fixed interval until ctx is cancelled. On each
// tick whose minute matches the sweep schedule, stale claims are released
// first so jobs orphaned by a crashed dispatcher become visible again.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if now := time.Now(); now.Truncate(time.Minute) != lastSweep {
			if due, err := d.cron.IsDue(d.opts.SweepSchedule, now); err == nil && due {
				lastSweep = now.Truncate(time.Minute)
				if n, err := d.stores.Outbox.RequeueStale(ctx, now.Add(-claimLease)); err != nil {
					slog.Error("dispatch.sweep_failed", "error", err)
				} else if n > 0 {
					slog.Warn("dispatch.sweep_requeued", "jobs", n)
				}
			}
		}

		if _, err := d.DispatchBatch(ctx, d.opts.BatchLimit); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("dispatch.batch_failed", "error", err)
		}
	}
}

// DispatchBatch claims up to limit queued jobs in creation order and
// processes them sequentially. Returns how many reached sent.
func (d *Dispatcher) DispatchBatch(ctx context.Context, limit int) (int, error) {
	ctx, span := tracing.Start(ctx, "dispatch.batch")
	defer span.End()

	jobs, err := d.stores.Outbox.Claim(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range jobs {
		ok, err := d.dispatchOne(ctx, &jobs[i])
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *store.OutboundJob) (bool, error) {
	ctx, span := tracing.Start(ctx, "dispatch.job",
		tracing.AttrJobID.Int64(job.ID),
		tracing.AttrConversationID.String(job.ConversationID),
	)
	defer span.End()

	// Preflight: a newer inbound event makes this reply stale. Cancel
	// instead of answering an outdated turn.
	if job.SourceWatermark > 0 {
		newer, err := d.stores.Inbound.HasNewer(ctx, job.ConversationID, job.SourceWatermark)
		if err != nil {
			return false, err
		}
		if newer {
			if err := d.stores.Outbox.MarkCancelled(ctx, job.ID); err != nil {
				return false, err
			}
			d.audit(ctx, job.ConversationID, store.AuditDispatchCancelled, map[string]any{
				"job_id": job.ID, "since": job.SourceWatermark,
			})
			slog.Info("dispatch_cancelled", "conversation_id", job.ConversationID, "job_id", job.ID)
			return false, nil
		}
	}

	res, err := d.sink.Send(ctx, job.ConversationID, job.Body)
	if err != nil {
		return false, err
	}

	if res.OK {
		if err := d.stores.Outbox.MarkSent(ctx, job.ID, res.ProviderMessageID); err != nil {
			return false, err
		}
		if job.SourceWatermark > 0 {
			if err := d.stores.Snapshots.AdvanceWatermark(ctx, job.ConversationID, job.SourceWatermark); err != nil {
				return false, err
			}
			d.audit(ctx, job.ConversationID, store.AuditSnapshotAdvanced, map[string]any{
				"last_processed_event_id": job.SourceWatermark,
			})
		}
		d.audit(ctx, job.ConversationID, store.AuditDispatchSent, map[string]any{
			"job_id": job.ID, "provider_message_id": res.ProviderMessageID,
		})
		slog.Info("dispatch_sent", "conversation_id", job.ConversationID, "job_id", job.ID)
		return true, nil
	}

	attempts, deadLettered, err := d.stores.Outbox.RecordFailure(ctx, job.ID, res.ErrorDetail, d.opts.DeadLetterAt)
	if err != nil {
		return false, err
	}
	if deadLettered {
		d.audit(ctx, job.ConversationID, store.AuditDispatchDeadLetter, map[string]any{
			"job_id": job.ID, "error": res.ErrorDetail,
		})
		slog.Error("dispatch_dead_letter", "conversation_id", job.ConversationID, "job_id", job.ID,
			"attempts", attempts, "error", res.ErrorDetail)
	} else {
		d.audit(ctx, job.ConversationID, store.AuditDispatchRetry, map[string]any{
			"job_id": job.ID, "attempts": attempts, "error": res.ErrorDetail,
		})
		slog.Warn("dispatch_retry", "conversation_id", job.ConversationID, "job_id", job.ID,
			"attempts", attempts, "error", res.ErrorDetail)
	}
	return false, nil
}

func (d *Dispatcher) audit(ctx context.Context, conversationID, kind string, data any) {
	if err := d.stores.Audit.Append(ctx, conversationID, kind, data); err != nil {
		slog.Error("audit_append_failed", "kind", kind, "error", err)
	}
}
