package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// CloudAPIConfig configures the graph-API text sender.
type CloudAPIConfig struct {
	BaseURL       string // e.g. https://graph.facebook.com/v20.0
	PhoneNumberID string
	Token         string  // bearer token, env-only
	RatePerSecond float64 // 0 disables client-side rate limiting
}

// CloudAPISink sends plain text messages through a WhatsApp-Cloud-style
// graph API. Provider-side throttling still applies; the local limiter just
// keeps bursts from tripping it.
type CloudAPISink struct {
	cfg     CloudAPIConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewCloudAPISink(cfg CloudAPIConfig) *CloudAPISink {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &CloudAPISink{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
	}
}

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *CloudAPISink) Send(ctx context.Context, conversationID, body string) (SendResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return SendResult{}, err
		}
	}

	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                conversationID,
		"type":              "text",
		"text":              map[string]string{"body": body},
	})
	if err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/%s/messages", s.cfg.BaseURL, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		// Network faults count as failed attempts so the outbox retries them.
		return SendResult{OK: false, ErrorCode: "network", ErrorDetail: err.Error()}, nil
	}
	defer resp.Body.Close()

	var decoded cloudAPIResponse
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	if resp.StatusCode/100 == 2 {
		res := SendResult{OK: true}
		if len(decoded.Messages) > 0 {
			res.ProviderMessageID = decoded.Messages[0].ID
		}
		return res, nil
	}
	return SendResult{
		OK:          false,
		ErrorCode:   fmt.Sprintf("%d", decoded.Error.Code),
		ErrorDetail: decoded.Error.Message,
	}, nil
}
