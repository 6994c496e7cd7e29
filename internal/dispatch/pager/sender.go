// Package pager provides paging via the PagerDuty Events API v2.
package pager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
)

const (
	defaultEndpoint = "https://events.pagerduty.com/v2/enqueue"
	defaultTimeout  = 10 * time.Second
)

// Config holds pager sender configuration.
type Config struct {
	Enabled    bool
	Endpoint   string
	RoutingKey string
	Timeout    time.Duration
	// RatePerSecond bounds outgoing pages. The events API throttles
	// aggressively, so pace requests instead of burning retries.
	RatePerSecond float64
}

// Sender implements paging. The intent target selects the escalation
// policy (for example "primary-oncall" or "engineering-management") and
// is carried in the event's group field.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new pager sender.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.RoutingKey == "" {
		return nil, fmt.Errorf("pager sender: routing key is required when enabled")
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RatePerSecond == 0 {
		config.RatePerSecond = 2
	}

	slog.Info("pager sender configured", "enabled", config.Enabled, "endpoint", config.Endpoint)
	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.NotificationType {
	return domain.NotificationPage
}

type eventPayload struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	Payload     eventDetails `json:"payload"`
}

type eventDetails struct {
	Summary   string `json:"summary"`
	Source    string `json:"source"`
	Severity  string `json:"severity"`
	Group     string `json:"group,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pagerSeverity maps notification priority to the events API severity
// scale.
func pagerSeverity(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return "critical"
	case domain.PriorityHigh:
		return "error"
	case domain.PriorityNormal:
		return "warning"
	default:
		return "info"
	}
}

// Send triggers one page.
func (s *Sender) Send(ctx context.Context, intent domain.NotificationIntent) error {
	if !s.config.Enabled {
		slog.Warn("pager sender disabled, skipping page", "incident_id", intent.IncidentID)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &dispatch.RetryableError{Err: fmt.Errorf("rate limit wait: %w", err), Retryable: true}
	}

	payload := eventPayload{
		RoutingKey:  s.config.RoutingKey,
		EventAction: "trigger",
		DedupKey:    intent.DedupKey(),
		Payload: eventDetails{
			Summary:   intent.Message,
			Source:    "aegis/" + intent.IncidentID,
			Severity:  pagerSeverity(intent.Priority),
			Group:     intent.Target,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &dispatch.RetryableError{Err: fmt.Errorf("send page: %w", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("page triggered", "incident_id", intent.IncidentID, "group", intent.Target)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &dispatch.RetryableError{
			Err:       fmt.Errorf("events api returned %d", resp.StatusCode),
			Retryable: true,
		}
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &dispatch.RetryableError{
			Err:       fmt.Errorf("events api rejected page: %d: %s", resp.StatusCode, respBody),
			Retryable: false,
		}
	}
}
