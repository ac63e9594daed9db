// Package egress defines the outbound delivery port and its adapters.
package egress

import "context"

// SendResult is the provider's answer to one send attempt.
type SendResult struct {
	OK                bool   `json:"ok"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorDetail       string `json:"error_detail,omitempty"`
}

// Sink delivers a reply body to the conversation's provider channel.
// A failed attempt is reported through SendResult, not an error; errors are
// reserved for local faults (marshalling, context cancellation).
type Sink interface {
	Send(ctx context.Context, conversationID, body string) (SendResult, error)
}
