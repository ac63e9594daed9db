package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/coalesce"
	"github.com/nextlevelbuilder/turnstile/internal/pipeline"
	"github.com/nextlevelbuilder/turnstile/internal/store"
	"github.com/nextlevelbuilder/turnstile/internal/store/sqlite"
)

const testAppSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *store.Stores) {
	t.Helper()
	stores, err := sqlite.NewSQLiteStores(store.StoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	decider := pipeline.DecideFunc(func(_ context.Context, _, turnText string, _ *store.Snapshot) (pipeline.Decision, error) {
		return pipeline.Decision{Body: "eco: " + turnText}, nil
	})
	coal := coalesce.NewCoordinator(stores.Inbound, stores.Locks, 20*time.Millisecond)
	pipe := pipeline.New(stores, coal, decider)
	srv := NewServer(Config{
		Host:        "127.0.0.1",
		Port:        0,
		VerifyToken: "verify-me",
		AppSecret:   testAppSecret,
	}, pipe, stores)
	return srv, stores
}

func metaEnvelope(waID, msgID, text string) []byte {
	payload := fmt.Sprintf(`{
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": %q}],
			"messages": [{"id": %q, "timestamp": "1700000000", "text": {"body": %q}}]
		}}]}]
	}`, waID, msgID, text)
	return []byte(payload)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerifyChallenge(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("valid token echoes challenge", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
			t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("wrong token is forbidden", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status %d", rec.Code)
		}
	})
}

func TestWebhookSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	body := metaEnvelope("5511999", "wamid.1", "oi")

	t.Run("missing signature rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status %d", rec.Code)
		}
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign(testAppSecret, []byte("other body")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status %d", rec.Code)
		}
	})

	t.Run("valid signature accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign(testAppSecret, body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
		}
	})
}

func TestWebhookIngestsAndQueues(t *testing.T) {
	srv, stores := newTestServer(t)
	body := metaEnvelope("5511999", "wamid.1", "quero  uma\npizza")

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testAppSecret, body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	var out pipeline.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Queued || out.Duplicate {
		t.Fatalf("outcome = %+v", out)
	}

	job, err := stores.Outbox.Get(context.Background(), out.JobID)
	if err != nil {
		t.Fatal(err)
	}
	// Whitespace runs and control characters are collapsed at ingress.
	if job.Body != "eco: quero uma pizza" {
		t.Errorf("job body = %q", job.Body)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	srv, _ := newTestServer(t)
	body := metaEnvelope("5511999", "wamid.1", "oi")

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign(testAppSecret, body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status %d", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status %d", rec.Code)
	}
	var out pipeline.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate || out.Queued {
		t.Fatalf("redelivery outcome = %+v", out)
	}
}

func TestWebhookBadPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	body := []byte(`{"entry": []}`)

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testAppSecret, body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSimulateEndpoint(t *testing.T) {
	srv, stores := newTestServer(t)

	req := httptest.NewRequest("POST", "/simulate",
		strings.NewReader(`{"conversation_id": "conv-1", "text": "teste"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	var out pipeline.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Preview != "eco: teste" || out.Queued {
		t.Fatalf("outcome = %+v", out)
	}

	jobs, err := stores.Outbox.Claim(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("simulate enqueued %d jobs", len(jobs))
	}
}

func TestHandoffEndpoints(t *testing.T) {
	srv, stores := newTestServer(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/handoff/pause",
		strings.NewReader(`{"conversation_id": "conv-1", "reason": "atendimento humano"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status %d", rec.Code)
	}

	snap, err := stores.Snapshots.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Paused || snap.PausedReason != "atendimento humano" {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/handoff/resume",
		strings.NewReader(`{"conversation_id": "conv-1"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status %d", rec.Code)
	}
	snap, _ = stores.Snapshots.Get(ctx, "conv-1")
	if snap.Paused {
		t.Fatal("still paused after resume")
	}

	t.Run("pause without conversation_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/handoff/pause", strings.NewReader(`{}`)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status %d", rec.Code)
		}
	})
}

func TestSnapshotAndEventsEndpoints(t *testing.T) {
	srv, stores := newTestServer(t)
	ctx := context.Background()

	if err := stores.Snapshots.AdvanceWatermark(ctx, "conv-1", 7); err != nil {
		t.Fatal(err)
	}
	if err := stores.Audit.Append(ctx, "conv-1", store.AuditIngressRecorded, map[string]int{"event_id": 7}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/conversations/conv-1/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status %d", rec.Code)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.LastProcessedEventID != 7 {
		t.Errorf("watermark = %d", snap.LastProcessedEventID)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/conversations/conv-1/events?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("events status %d", rec.Code)
	}
	var resp struct {
		Events []store.AuditEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Kind != store.AuditIngressRecorded {
		t.Errorf("events = %+v", resp.Events)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"oi", "oi"},
		{"  oi  tudo   bem  ", "oi tudo bem"},
		{"linha\numa\tlinha", "linha uma linha"},
		{"sem\x00controle\x1f", "semcontrole"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitizeText(tc.in); got != tc.want {
			t.Errorf("sanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
