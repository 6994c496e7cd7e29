// Package sms provides SMS notification sending via an HTTP gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	// maxMessageLen keeps messages within a single segment.
	maxMessageLen = 140
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled    bool
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
}

// Sender implements SMS notification sending. The intent target is the
// destination phone number.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new SMS sender.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.GatewayURL == "" {
		return nil, fmt.Errorf("sms sender: gateway URL is required when enabled")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("sms sender configured", "enabled", config.Enabled, "gateway", config.GatewayURL)
	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.NotificationType {
	return domain.NotificationSMS
}

type gatewayRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send delivers one SMS, truncating the message to a single segment.
func (s *Sender) Send(ctx context.Context, intent domain.NotificationIntent) error {
	if !s.config.Enabled {
		slog.Warn("sms sender disabled, skipping send", "incident_id", intent.IncidentID)
		return nil
	}
	if intent.Target == "" {
		return &dispatch.RetryableError{Err: fmt.Errorf("sms target number is empty"), Retryable: false}
	}

	text := fmt.Sprintf("[%s] %s", intent.IncidentID, intent.Message)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-3] + "..."
	}

	body, err := json.Marshal(gatewayRequest{To: intent.Target, Text: text})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &dispatch.RetryableError{Err: fmt.Errorf("send sms: %w", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("sms sent", "incident_id", intent.IncidentID, "to", intent.Target)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &dispatch.RetryableError{
			Err:       fmt.Errorf("sms gateway returned %d", resp.StatusCode),
			Retryable: true,
		}
	default:
		return &dispatch.RetryableError{
			Err:       fmt.Errorf("sms gateway rejected message: %d", resp.StatusCode),
			Retryable: false,
		}
	}
}
