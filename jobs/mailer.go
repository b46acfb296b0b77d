package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPMailer delivers mail over plain SMTP, suitable for an internal relay
// or Mailpit in development.
type SMTPMailer struct {
	Addr string
	From string
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Addr: fmt.Sprintf("%s:%d", host, port), From: from}
}

// Send delivers one message.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("jobs: send mail: %w", err)
	}
	return nil
}

// LogMailer records messages to the log instead of delivering them. Used
// when no SMTP relay is configured.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs the message.
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.Logger.Info("mail (log only)", slog.String("to", to), slog.String("subject", subject))
	return nil
}
