package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// handleWebhookVerify answers the provider's subscription challenge.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.cfg.VerifyToken {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// handleWebhook ingests one provider webhook delivery. The call blocks while
// the coalescer waits for the burst to settle, mirroring the upstream
// webhook's at-least-once redelivery semantics: any non-2xx answer makes the
// provider retry, and retries are absorbed by ingress dedup.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if s.cfg.AppSecret != "" && !verifySignature(s.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	ev, err := normalizeWebhook(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(ev.ConversationID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	ev.TraceID = r.Header.Get("X-Trace-Id")
	out, err := s.pipe.HandleInbound(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSimulate ingests a raw message without signature checks and returns
// the decided reply as a preview instead of enqueueing it.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID    string `json:"conversation_id"`
		Text              string `json:"text"`
		ProviderMessageID string `json:"provider_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing conversation_id"})
		return
	}
	if req.ProviderMessageID == "" {
		req.ProviderMessageID = fmt.Sprintf("debug-%d", time.Now().UnixNano())
	}

	ev := &store.InboundEvent{
		ConversationID:    req.ConversationID,
		ProviderMessageID: req.ProviderMessageID,
		SenderID:          req.ConversationID,
		Text:              sanitizeText(req.Text),
		TraceID:           r.Header.Get("X-Trace-Id"),
	}
	out, err := s.pipe.Simulate(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func verifySignature(secret string, body []byte, header string) bool {
	algo, sig, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(algo, "sha256") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// metaWebhook is the subset of the provider's webhook envelope we consume.
type metaWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// normalizeWebhook flattens the provider envelope into an InboundEvent.
func normalizeWebhook(body []byte) (*store.InboundEvent, error) {
	var raw metaWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if len(raw.Entry) == 0 || len(raw.Entry[0].Changes) == 0 {
		return nil, fmt.Errorf("empty webhook envelope")
	}
	value := raw.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 || len(value.Contacts) == 0 {
		return nil, fmt.Errorf("webhook has no messages")
	}
	msg := value.Messages[0]
	waID := value.Contacts[0].WaID

	return &store.InboundEvent{
		ConversationID:    waID,
		ProviderMessageID: msg.ID,
		SenderID:          waID,
		Text:              sanitizeText(msg.Text.Body),
		Payload:           body,
	}, nil
}

// sanitizeText strips control characters and collapses whitespace runs.
func sanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		if r == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
