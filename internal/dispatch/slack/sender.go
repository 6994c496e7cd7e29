// Package slack provides Slack notification sending via the Web API.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
)

const defaultUsername = "Aegis"

// Config holds Slack sender configuration.
type Config struct {
	Enabled  bool
	Token    string
	Username string // bot display name, default "Aegis"
	IconURL  string // icon URL (optional)
}

// Sender implements Slack notification sending. The intent target is a
// channel id or name.
type Sender struct {
	config Config
	client *slack.Client
}

// NewSender creates a new Slack sender.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.Token == "" {
		return nil, fmt.Errorf("slack sender: token is required when enabled")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}

	var client *slack.Client
	if config.Enabled {
		client = slack.New(config.Token)
	}

	slog.Info("slack sender configured", "enabled", config.Enabled, "username", config.Username)
	return &Sender{config: config, client: client}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.NotificationType {
	return domain.NotificationSlack
}

// priorityColor maps notification priority to attachment color.
func priorityColor(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return "#e01e5a"
	case domain.PriorityHigh:
		return "#e8912d"
	case domain.PriorityNormal:
		return "#2eb67d"
	default:
		return "#999999"
	}
}

// Send posts one message to the target channel.
func (s *Sender) Send(ctx context.Context, intent domain.NotificationIntent) error {
	if !s.config.Enabled {
		slog.Warn("slack sender disabled, skipping send", "incident_id", intent.IncidentID)
		return nil
	}
	if intent.Target == "" {
		return &dispatch.RetryableError{Err: fmt.Errorf("slack target channel is empty"), Retryable: false}
	}

	attachment := slack.Attachment{
		Color:  priorityColor(intent.Priority),
		Title:  fmt.Sprintf("Incident %s", intent.IncidentID),
		Text:   intent.Message,
		Footer: "aegis",
		Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}

	opts := []slack.MsgOption{
		slack.MsgOptionUsername(s.config.Username),
		slack.MsgOptionAttachments(attachment),
	}
	if s.config.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(s.config.IconURL))
	}

	_, _, err := s.client.PostMessageContext(ctx, intent.Target, opts...)
	if err != nil {
		return classify(err)
	}

	slog.Debug("slack message posted", "incident_id", intent.IncidentID, "channel", intent.Target)
	return nil
}

// classify separates transport failures and rate limits, which are worth
// retrying, from API rejections, which are not.
func classify(err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return &dispatch.RetryableError{Err: err, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &dispatch.RetryableError{Err: err, Retryable: true}
	}
	return &dispatch.RetryableError{Err: err, Retryable: false}
}
