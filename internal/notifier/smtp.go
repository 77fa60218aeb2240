package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	logx "planpal/pkg/logx"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
}

// SMTP sends plain-text email.
type SMTP struct {
	cfg SMTPConfig
	log logx.Logger
	now func() time.Time
}

func NewSMTP(cfg SMTPConfig, log logx.Logger) (*SMTP, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "587"
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = strings.TrimSpace(cfg.Username)
	}
	if cfg.From == "" {
		return nil, errors.New("smtp: from address is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: from: %w", err)
	}
	return &SMTP{cfg: cfg, log: log, now: time.Now}, nil
}

func (t *SMTP) Name() string { return "smtp" }

func (t *SMTP) Send(ctx context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return errors.New("smtp: no recipients")
	}
	msg, err := t.compose(subject, body, recipients)
	if err != nil {
		return err
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer c.Close()

	if !t.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
				return fmt.Errorf("smtp: starttls: %w", err)
			}
		}
	}
	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("smtp: auth: %w", err)
			}
		}
	}

	from, _ := mail.ParseAddress(t.cfg.From)
	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("smtp: MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: DATA close: %w", err)
	}
	// The server accepted the message; a failed QUIT must not trigger a resend.
	if err := c.Quit(); err != nil {
		t.log.Warn("smtp quit failed after delivery", logx.String("host", t.cfg.Host), logx.Err(err))
	}
	return nil
}

func (t *SMTP) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.cfg.Host, t.cfg.Port)
	d := &net.Dialer{Timeout: 10 * time.Second}
	if t.cfg.ImplicitTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: t.cfg.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// compose renders a single-part text/plain RFC 5322 message.
func (t *SMTP) compose(subject, body string, recipients []string) ([]byte, error) {
	from, err := mail.ParseAddress(t.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp: from: %w", err)
	}
	to := make([]*mail.Address, 0, len(recipients))
	for _, r := range recipients {
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("smtp: recipient %q: %w", r, err)
		}
		to = append(to, a)
	}

	var h mail.Header
	h.SetDate(t.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("smtp: message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("smtp: create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("smtp: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("smtp: close body: %w", err)
	}
	return buf.Bytes(), nil
}
