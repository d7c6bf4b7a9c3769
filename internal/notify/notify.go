// Package notify turns bursts of application state changes into single
// outbound notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Notification is one outbound message.
type Notification struct {
	Subject    string
	Content    string
	Recipients []string
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSender writes notifications to the log instead of sending them.
type LogSender struct {
	log zerolog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "notify").Logger()}
}

// Send logs the notification.
func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.log.Info().
		Str("subject", n.Subject).
		Strs("recipients", n.Recipients).
		Str("content", n.Content).
		Msg("notification (mail not configured)")
	return nil
}

// SMTPConfig configures the mail sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
	TLS      bool // require STARTTLS
}

// SMTPSender delivers notifications by mail.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender validates cfg and creates a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	var errs []string
	if cfg.Host == "" {
		errs = append(errs, "mail host is required")
	}
	if cfg.Sender == "" {
		errs = append(errs, "mail sender is required")
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send delivers one plain text mail to all recipients.
func (s *SMTPSender) Send(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return errors.New("no recipients")
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.Sender); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(n.Recipients...); err != nil {
		return fmt.Errorf("invalid recipients: %w", err)
	}
	m.Subject(n.Subject)
	m.SetBodyString(mail.TypeTextPlain, n.Content)

	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create mail client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
