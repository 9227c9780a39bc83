package channel

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync/atomic"

	"github.com/ampynjord/MedAlert/internal/alert"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	SMTPAddr string // host:port
	From     string
	Username string
	Password string
	// Domain completes recipient IDs that are not full addresses.
	Domain string
	Log    logx.Logger
}

type emailChannel struct {
	cfg  EmailConfig
	log  logx.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

	sent   atomic.Int64
	failed atomic.Int64
}

func NewEmail(cfg EmailConfig) Channel {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &emailChannel{cfg: cfg, log: log, send: smtp.SendMail}
}

func (e *emailChannel) ID() alert.Channel { return alert.ChannelEmail }

func (e *emailChannel) Initialize(_ context.Context) error {
	if strings.TrimSpace(e.cfg.SMTPAddr) == "" {
		return fmt.Errorf("email: smtp address not configured")
	}
	if strings.TrimSpace(e.cfg.From) == "" {
		return fmt.Errorf("email: from address not configured")
	}
	if _, _, err := net.SplitHostPort(e.cfg.SMTPAddr); err != nil {
		return fmt.Errorf("email: smtp address: %w", err)
	}
	return nil
}

func (e *emailChannel) Send(ctx context.Context, content Content, opts SendOptions) (DeliveryResult, error) {
	res := DeliveryResult{Channel: alert.ChannelEmail}

	if opts.RecipientID == "" {
		e.failed.Add(1)
		return res, fmt.Errorf("email: broadcast not supported, recipient required")
	}
	to := e.recipientAddress(opts.RecipientID)
	if to == "" {
		e.failed.Add(1)
		return res, fmt.Errorf("email: no address for recipient %q", opts.RecipientID)
	}
	if err := ctx.Err(); err != nil {
		e.failed.Add(1)
		return res, err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		host, _, _ := net.SplitHostPort(e.cfg.SMTPAddr)
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}

	subject := fmt.Sprintf("[%s] %s %s", strings.ToUpper(content.Priority.String()), content.Icon, headerValue(content.Title))
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(content.Title + "\r\n\r\n")
	if content.Body != "" {
		b.WriteString(content.Body + "\r\n\r\n")
	}
	if content.Zone != "" {
		fmt.Fprintf(&b, "Zone: %s\r\n", content.Zone)
	}
	fmt.Fprintf(&b, "Priority: %s\r\n", content.Priority)
	fmt.Fprintf(&b, "Alert: %s\r\n", content.AlertID)

	if err := e.send(e.cfg.SMTPAddr, auth, e.cfg.From, []string{to}, []byte(b.String())); err != nil {
		e.failed.Add(1)
		return res, fmt.Errorf("email: %w", err)
	}

	res.Success = true
	e.sent.Add(1)
	return res, nil
}

// headerValue strips CR/LF so alert text cannot inject message headers.
func headerValue(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func (e *emailChannel) recipientAddress(recipientID string) string {
	if strings.Contains(recipientID, "@") {
		return recipientID
	}
	if e.cfg.Domain == "" {
		return ""
	}
	return recipientID + "@" + e.cfg.Domain
}

func (e *emailChannel) HealthCheck(_ context.Context) Health {
	return Health{
		Active: strings.TrimSpace(e.cfg.SMTPAddr) != "",
		Stats: map[string]int64{
			"sent":   e.sent.Load(),
			"failed": e.failed.Load(),
		},
	}
}
