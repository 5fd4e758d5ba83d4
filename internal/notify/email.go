package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// Email sends lead cards and alerts to the manager mailing list over SMTP.
type Email struct {
	host     string // host:port
	user     string
	password string
	to       []string

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail builds a notifier. Returns nil when the SMTP host or recipient
// list is not configured.
func NewEmail(host, user, password string, to []string) *Email {
	if host == "" || len(to) == 0 {
		return nil
	}
	return &Email{host: host, user: user, password: password, to: to, send: smtp.SendMail}
}

// NotifyLead mails a lead card to the manager list.
func (e *Email) NotifyLead(ctx context.Context, lead *domain.Lead, user *domain.User) error {
	subject := "Новый лид из Telegram: " + lead.LastName
	if lead.AutoCreated {
		subject = "Автоматический лид из Telegram: " + lead.LastName
	}
	return e.mail(ctx, subject, leadCard(lead, user))
}

// Alert mails a critical alert to the manager list.
func (e *Email) Alert(ctx context.Context, subject, body string) error {
	return e.mail(ctx, "[ALERT] "+subject, body)
}

func (e *Email) mail(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if e.user != "" {
		host, _, err := net.SplitHostPort(e.host)
		if err != nil {
			host = e.host
		}
		auth = smtp.PlainAuth("", e.user, e.password, host)
	}
	msg := buildMessage(e.user, e.to, subject, body)
	if err := e.send(e.host, auth, e.user, e.to, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// buildMessage assembles a minimal RFC 5322 message with a UTF-8 body.
func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
