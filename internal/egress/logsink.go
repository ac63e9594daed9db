package egress

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// LogSink pretends to deliver by logging. Used in standalone mode when no
// provider credentials are configured, so the rest of the pipeline can be
// exercised end to end.
type LogSink struct {
	seq atomic.Int64
}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Send(_ context.Context, conversationID, body string) (SendResult, error) {
	id := s.seq.Add(1)
	slog.Info("egress.log_sink", "conversation_id", conversationID, "body", body)
	return SendResult{OK: true, ProviderMessageID: fmt.Sprintf("log-%d", id)}, nil
}
