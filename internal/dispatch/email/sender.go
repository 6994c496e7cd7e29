// Package email provides email notification sending via SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/aegisops/aegis/internal/dispatch"
	"github.com/aegisops/aegis/internal/domain"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
}

// Sender implements email notification sending via SMTP. The intent
// target is the recipient address.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Sender{config: config, auth: auth}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.NotificationType {
	return domain.NotificationEmail
}

// Send delivers one email.
func (s *Sender) Send(ctx context.Context, intent domain.NotificationIntent) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send", "incident_id", intent.IncidentID)
		return nil
	}
	if intent.Target == "" {
		return &dispatch.RetryableError{Err: errors.New("email recipient is empty"), Retryable: false}
	}

	subject := fmt.Sprintf("[%s] Incident %s", strings.ToUpper(string(intent.Priority)), intent.IncidentID)
	msg := strings.Join([]string{
		"From: " + s.config.FromAddress,
		"To: " + intent.Target,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		intent.Message,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	// smtp.SendMail has no context support; run it in a goroutine so a
	// cancelled dispatch does not hang the worker on a stuck server.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, s.auth, s.config.FromAddress, []string{intent.Target}, []byte(msg))
	}()

	select {
	case <-ctx.Done():
		return &dispatch.RetryableError{Err: ctx.Err(), Retryable: true}
	case err := <-done:
		if err != nil {
			var netErr net.Error
			retryable := errors.As(err, &netErr)
			return &dispatch.RetryableError{Err: fmt.Errorf("send email: %w", err), Retryable: retryable}
		}
	}

	slog.Debug("email sent", "incident_id", intent.IncidentID, "to", intent.Target)
	return nil
}
