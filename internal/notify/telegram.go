// Package notify delivers operator-facing notifications: new-lead cards and
// critical alerts, over Telegram and email. Both notifiers satisfy
// logging.Alerter and services.LeadNotifier.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram sends messages through the Bot API to the manager chat and,
// for alerts, to the admin list as well.
type Telegram struct {
	token       string
	managerChat int64
	adminChats  []int64
	base        string
	http        *http.Client
}

// NewTelegram builds a notifier. Returns nil when the token or manager chat
// is not configured; callers treat a nil notifier as disabled.
func NewTelegram(token string, managerChat int64, adminChats []int64) *Telegram {
	if token == "" || managerChat == 0 {
		return nil
	}
	return &Telegram{
		token:       token,
		managerChat: managerChat,
		adminChats:  adminChats,
		base:        telegramAPIBase,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

// NotifyLead sends a lead card to the manager chat.
func (t *Telegram) NotifyLead(ctx context.Context, lead *domain.Lead, user *domain.User) error {
	return t.send(ctx, t.managerChat, leadCard(lead, user))
}

// Alert fans a critical alert out to the manager chat and every admin.
func (t *Telegram) Alert(ctx context.Context, subject, body string) error {
	text := "🚨 " + subject + "\n\n" + body
	targets := append([]int64{t.managerChat}, t.adminChats...)
	var firstErr error
	for _, chat := range targets {
		if err := t.send(ctx, chat, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// leadCard formats a new-lead notification for the manager.
func leadCard(lead *domain.Lead, user *domain.User) string {
	var b strings.Builder
	if lead.AutoCreated {
		b.WriteString("🤖 Автоматический лид из чата\n\n")
	} else {
		b.WriteString("📩 Новый лид из чата\n\n")
	}
	fmt.Fprintf(&b, "Имя: %s\n", lead.LastName)
	if lead.Phone != "" {
		fmt.Fprintf(&b, "Телефон: %s\n", lead.Phone)
	}
	if lead.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", lead.Email)
	}
	if lead.Company != "" {
		fmt.Fprintf(&b, "Компания: %s\n", lead.Company)
	}
	if user != nil && user.Username != "" {
		fmt.Fprintf(&b, "Telegram: @%s\n", user.Username)
	}
	if lead.Question != "" {
		fmt.Fprintf(&b, "\nВопрос: %s\n", lead.Question)
	}
	return strings.TrimRight(b.String(), "\n")
}
