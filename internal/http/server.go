// Package http serves the inbound webhook API: provider webhooks, handoff
// control, simulation, and read-only conversation views.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/pipeline"
	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// Config holds the HTTP server settings. AppSecret and VerifyToken come
// from the environment, never from the config file.
type Config struct {
	Host        string
	Port        int
	VerifyToken string // webhook subscription challenge
	AppSecret   string // HMAC key for X-Hub-Signature-256; empty skips verification
}

// Server wires the handlers onto one mux.
type Server struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	stores  *store.Stores
	limiter *WebhookRateLimiter
	httpSrv *http.Server
}

func NewServer(cfg Config, pipe *pipeline.Pipeline, stores *store.Stores) *Server {
	s := &Server{
		cfg:     cfg,
		pipe:    pipe,
		stores:  stores,
		limiter: NewWebhookRateLimiter(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /simulate", s.handleSimulate)
	mux.HandleFunc("POST /handoff/pause", s.handleHandoffPause)
	mux.HandleFunc("POST /handoff/resume", s.handleHandoffResume)
	mux.HandleFunc("GET /conversations/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /conversations/{id}/events", s.handleEvents)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stores.Snapshots.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	events, err := s.stores.Audit.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHandoffPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing conversation_id"})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.pipe.Pause(r.Context(), req.ConversationID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "conversation_id": req.ConversationID, "paused": true})
}

func (s *Server) handleHandoffResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing conversation_id"})
		return
	}
	if err := s.pipe.Resume(r.Context(), req.ConversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "conversation_id": req.ConversationID, "paused": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
