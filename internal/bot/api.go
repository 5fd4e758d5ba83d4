// Package bot is the Telegram transport: Bot API wire types, a minimal
// client, and the long-polling loop that feeds updates to the orchestrator.
// The webhook handler reuses the same wire types.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	apiBase = "https://api.telegram.org"
	// maxMessageLen is Telegram's hard limit per sendMessage call.
	maxMessageLen = 4096
)

// Update is one Bot API update. Only message updates are handled; everything
// else is acknowledged and dropped.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

// IncomingMessage is the message payload of an update.
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User is the Telegram account that sent a message.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

// Chat identifies the dialogue the message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Client is a minimal Bot API client covering what the agent needs:
// getUpdates, sendMessage, and webhook management.
type Client struct {
	token string
	base  string
	http  *http.Client
}

// NewClient builds a Bot API client for the given token.
func NewClient(token string) *Client {
	return &Client{
		token: token,
		base:  apiBase,
		// Long polling holds the connection open for up to pollTimeout.
		http: &http.Client{Timeout: 70 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// GetUpdates long-polls for updates with ids >= offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// SendMessage delivers text to a chat, splitting it when it exceeds the Bot
// API limit. Suggested actions become a one-time reply keyboard attached to
// the final chunk so the buttons sit under the complete reply.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, actions ...string) error {
	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		payload := map[string]any{
			"chat_id":                  chatID,
			"text":                     chunk,
			"disable_web_page_preview": true,
		}
		if i == len(chunks)-1 && len(actions) > 0 {
			payload["reply_markup"] = replyKeyboard(actions)
		}
		if err := c.call(ctx, "sendMessage", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// replyKeyboard builds a one-button-per-row reply keyboard that disappears
// after one use.
func replyKeyboard(actions []string) map[string]any {
	rows := make([][]map[string]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []map[string]string{{"text": a}})
	}
	return map[string]any{
		"keyboard":          rows,
		"resize_keyboard":   true,
		"one_time_keyboard": true,
	}
}

// SetWebhook registers the given URL for update delivery.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url":             url,
		"allowed_updates": []string{"message"},
	}, nil)
}

// DeleteWebhook removes a registered webhook so getUpdates works again.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("telegram %s: malformed response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram %s: %d %s", method, apiResp.ErrorCode, apiResp.Description)
	}
	if out != nil {
		return json.Unmarshal(apiResp.Result, out)
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
