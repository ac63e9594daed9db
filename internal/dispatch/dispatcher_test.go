package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/turnstile/internal/egress"
	"github.com/nextlevelbuilder/turnstile/internal/store"
	"github.com/nextlevelbuilder/turnstile/internal/store/sqlite"
)

// scriptSink replays a fixed sequence of results, then succeeds.
type scriptSink struct {
	script []egress.SendResult
	calls  int
}

func (s *scriptSink) Send(_ context.Context, _, _ string) (egress.SendResult, error) {
	s.calls++
	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		return res, nil
	}
	return egress.SendResult{OK: true, ProviderMessageID: fmt.Sprintf("out-%d", s.calls)}, nil
}

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := sqlite.NewSQLiteStores(store.StoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return stores
}

func record(t *testing.T, stores *store.Stores, conv, msgID, text string) int64 {
	t.Helper()
	rr, err := stores.Inbound.Record(context.Background(), &store.InboundEvent{
		ConversationID:    conv,
		ProviderMessageID: msgID,
		Text:              text,
	})
	if err != nil {
		t.Fatal(err)
	}
	return rr.ID
}

func auditKinds(t *testing.T, stores *store.Stores, conv string) []string {
	t.Helper()
	events, err := stores.Audit.List(context.Background(), conv, 50)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestDispatchSendsAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	evID := record(t, stores, "conv-1", "m-1", "oi")

	jobID, err := stores.Outbox.Enqueue(ctx, "conv-1", "resposta", evID)
	if err != nil {
		t.Fatal(err)
	}

	d := New(stores, &scriptSink{}, Options{})
	sent, err := d.DispatchBatch(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	job, err := stores.Outbox.Get(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobSent {
		t.Fatalf("status = %s", job.Status)
	}

	snap, err := stores.Snapshots.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastProcessedEventID != evID {
		t.Fatalf("watermark = %d, want %d", snap.LastProcessedEventID, evID)
	}
}

func TestDispatchCancelsStaleJob(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	evID := record(t, stores, "conv-1", "m-1", "quero uma pizza")

	jobID, err := stores.Outbox.Enqueue(ctx, "conv-1", "resposta antiga", evID)
	if err != nil {
		t.Fatal(err)
	}
	// A newer inbound event arrives before dispatch: the queued reply
	// answers an outdated turn.
	record(t, stores, "conv-1", "m-2", "na verdade, duas")

	sink := &scriptSink{}
	d := New(stores, sink, Options{})
	sent, err := d.DispatchBatch(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if sink.calls != 0 {
		t.Fatalf("sink called %d times for a stale job", sink.calls)
	}

	job, _ := stores.Outbox.Get(ctx, jobID)
	if job.Status != store.JobCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}

	// Watermark must not move for a cancelled job.
	snap, err := stores.Snapshots.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastProcessedEventID != 0 {
		t.Fatalf("watermark = %d, want 0", snap.LastProcessedEventID)
	}

	kinds := auditKinds(t, stores, "conv-1")
	if len(kinds) == 0 || kinds[0] != store.AuditDispatchCancelled {
		t.Errorf("audit kinds = %v", kinds)
	}
}

func TestDispatchRetriesThenSends(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	evID := record(t, stores, "conv-1", "m-1", "oi")

	jobID, err := stores.Outbox.Enqueue(ctx, "conv-1", "resposta", evID)
	if err != nil {
		t.Fatal(err)
	}

	sink := &scriptSink{script: []egress.SendResult{
		{OK: false, ErrorCode: "network", ErrorDetail: "timeout"},
		{OK: false, ErrorCode: "network", ErrorDetail: "timeout"},
		{OK: false, ErrorCode: "network", ErrorDetail: "timeout"},
		{OK: false, ErrorCode: "network", ErrorDetail: "timeout"},
	}}
	d := New(stores, sink, Options{DeadLetterAt: 5})

	for i := 0; i < 4; i++ {
		sent, err := d.DispatchBatch(ctx, 20)
		if err != nil {
			t.Fatal(err)
		}
		if sent != 0 {
			t.Fatalf("cycle %d sent %d jobs", i, sent)
		}
	}

	sent, err := d.DispatchBatch(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("final cycle sent = %d, want 1", sent)
	}

	job, _ := stores.Outbox.Get(ctx, jobID)
	if job.Status != store.JobSent || job.Attempts != 4 {
		t.Fatalf("job = status %s attempts %d", job.Status, job.Attempts)
	}
}

func TestDispatchDeadLettersAtThreshold(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	jobID, err := stores.Outbox.Enqueue(ctx, "conv-1", "resposta", 0)
	if err != nil {
		t.Fatal(err)
	}

	sink := &scriptSink{script: []egress.SendResult{
		{OK: false, ErrorDetail: "boom"},
		{OK: false, ErrorDetail: "boom"},
		{OK: false, ErrorDetail: "boom"},
	}}
	d := New(stores, sink, Options{DeadLetterAt: 3})

	for i := 0; i < 3; i++ {
		if _, err := d.DispatchBatch(ctx, 20); err != nil {
			t.Fatal(err)
		}
	}

	job, _ := stores.Outbox.Get(ctx, jobID)
	if job.Status != store.JobDeadLetter || job.Attempts != 3 {
		t.Fatalf("job = status %s attempts %d", job.Status, job.Attempts)
	}

	// Dead-lettered jobs stay out of later batches.
	sent, err := d.DispatchBatch(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 || sink.calls != 3 {
		t.Fatalf("dead-lettered job reached the sink again (sent=%d calls=%d)", sent, sink.calls)
	}

	kinds := auditKinds(t, stores, "conv-1")
	if len(kinds) == 0 || kinds[0] != store.AuditDispatchDeadLetter {
		t.Errorf("audit kinds = %v", kinds)
	}
}

func TestDispatchBatchOrder(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	for i := 0; i < 3; i++ {
		if _, err := stores.Outbox.Enqueue(ctx, fmt.Sprintf("conv-%d", i), "msg", 0); err != nil {
			t.Fatal(err)
		}
	}

	sink := &scriptSink{}
	d := New(stores, sink, Options{BatchLimit: 2})
	sent, err := d.DispatchBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want batch limit 2", sent)
	}

	sent, err = d.DispatchBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("second batch sent = %d, want 1", sent)
	}
}
