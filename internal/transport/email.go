package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/vigil-run/vigil/internal/store"
)

// emailValue is the config blob of an email channel.
type emailValue struct {
	Value string `json:"value"` // recipient address
	Up    bool   `json:"up"`
	Down  bool   `json:"down"`
}

type emailTransport struct {
	ch  store.Channel
	env Env
	cfg emailValue
}

func newEmail(ch store.Channel, env Env) (Transport, error) {
	var cfg emailValue
	// Early channels stored a bare address instead of JSON.
	if err := json.Unmarshal([]byte(ch.Value), &cfg); err != nil {
		cfg = emailValue{Value: strings.TrimSpace(ch.Value), Up: true, Down: true}
	}
	if cfg.Value == "" {
		return nil, fmt.Errorf("email channel %s has no recipient", ch.Code)
	}
	return &emailTransport{ch: ch, env: env, cfg: cfg}, nil
}

func (t *emailTransport) IsNoop(newStatus string) bool {
	// Unverified addresses receive nothing.
	if !t.ch.EmailVerified {
		return true
	}
	switch newStatus {
	case store.StatusUp:
		return !t.cfg.Up
	case store.StatusDown:
		return !t.cfg.Down
	}
	return false
}

func (t *emailTransport) Notify(ctx context.Context, f store.Flip, n *store.Notification) error {
	check, err := t.env.Store.GetCheck(ctx, f.OwnerID)
	if err != nil {
		return transientf("load check: %v", err)
	}
	msg := buildMessage(check, f, t.env.SiteRoot)

	var body strings.Builder
	body.WriteString(msg.Text)
	body.WriteString("\r\n")
	if ping, _ := t.env.LastPing(ctx, f); ping != nil && ping.Body != "" {
		body.WriteString("\r\nLast ping body:\r\n")
		body.WriteString(ping.Body)
		body.WriteString("\r\n")
	}
	if msg.CheckURL != "" {
		body.WriteString("\r\n" + msg.CheckURL + "\r\n")
	}

	subject := fmt.Sprintf("%s | %s", strings.ToUpper(f.NewStatus), msg.CheckName)
	if msg.Repeat {
		subject += " (repeat notification)"
	}

	return SendMail(ctx, t.env.SMTP, []string{t.cfg.Value}, subject, body.String())
}

// SendMail submits a plain-text message through the configured SMTP relay.
// Shared with the summary report sender.
func SendMail(ctx context.Context, cfg SMTPConfig, to []string, subject, body string) error {
	if cfg.Host == "" {
		return transientf("smtp is not configured")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	from := cfg.From
	if from == "" {
		from = "vigil@" + cfg.Host
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	// net/smtp has no context support; bound the call with a watchdog.
	done := make(chan error, 1)
	sendCtx, cancel := context.WithTimeout(ctx, smtpTimeout)
	defer cancel()
	go func() {
		done <- smtp.SendMail(addr, auth, from, to, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return transientf("smtp: %v", err)
		}
		return nil
	case <-sendCtx.Done():
		return transientf("smtp: %v", sendCtx.Err())
	}
}
