// Package email implements the email delivery handler (spec.md §4.6):
// SMTP submission with STARTTLS, From/reply-to per configuration. No
// example repo in the corpus carries an SMTP client, so this is built
// directly on the standard library's net/smtp + crypto/tls, the
// idiomatic Go approach for this concern.
package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// Config is the per-user/per-default email delivery configuration.
type Config struct {
	To      string `json:"to"`
	ReplyTo string `json:"reply_to,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Handler submits a message over SMTP with STARTTLS.
type Handler struct {
	addr     string
	from     string
	username string
	password string
}

func New(addr, from, username, password string) *Handler {
	return &Handler{addr: addr, from: from, username: username, password: password}
}

func (h *Handler) Deliver(ctx context.Context, cfg store.EffectiveConfig, payload dispatcher.DeliveryPayload) dispatcher.Outcome {
	var emailCfg Config
	if cfg.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigJSON), &emailCfg); err != nil {
			return dispatcher.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("invalid email config: %v", err)}
		}
	}
	if strings.TrimSpace(emailCfg.To) == "" {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: "email config is missing a to address"}
	}
	if strings.TrimSpace(h.addr) == "" {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: "email delivery is not configured (no SMTP address)"}
	}

	subject := emailCfg.Subject
	if subject == "" {
		subject = "Self-service agent response"
	}
	msg := buildMessage(h.from, emailCfg.To, emailCfg.ReplyTo, subject, payload)

	if err := h.send(ctx, emailCfg.To, msg); err != nil {
		return dispatcher.Outcome{Success: false, Retryable: true, Error: err.Error()}
	}
	return dispatcher.Outcome{Success: true}
}

func (h *Handler) send(ctx context.Context, to string, msg []byte) error {
	host, _, err := net.SplitHostPort(h.addr)
	if err != nil {
		return fmt.Errorf("parse smtp address %q: %w", h.addr, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("dial smtp server: %w", err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if h.username != "" {
		auth := smtp.PlainAuth("", h.username, h.password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(h.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message body: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, replyTo, subject string, payload dispatcher.DeliveryPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "X-Idempotency-Key: %s\r\n", payload.IdempotencyKey)
	b.WriteString("\r\n")
	b.WriteString(payload.Content)
	b.WriteString("\r\n")
	return []byte(b.String())
}

var _ dispatcher.Handler = (*Handler)(nil)
