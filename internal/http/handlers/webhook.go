package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/bot"
	"github.com/nordmach/go-sales-agent/internal/http/middleware"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/services"
)

// WebhookHandler receives Telegram updates over HTTPS. It always answers
// 200 to parseable requests: a non-2xx makes Telegram re-deliver, and a
// failed turn will not improve on replay.
type WebhookHandler struct {
	DB           *gorm.DB
	Orchestrator *services.Orchestrator
	Sender       bot.Sender
	Log          *logging.Hybrid

	// TurnTimeout bounds one update's processing, including the reply send.
	TurnTimeout time.Duration
}

// Handle processes one webhook POST.
func (h *WebhookHandler) Handle(c *gin.Context) {
	var u bot.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed update")
		return
	}

	msg := u.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.IsBot {
		ok(c, http.StatusOK, gin.H{"ok": true})
		return
	}

	firstSeen, err := repo.MarkUpdateSeen(c.Request.Context(), h.DB, msg.Chat.ID, u.UpdateID)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("update dedupe failed")
	} else if !firstSeen {
		ok(c, http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}

	// Detached from the request context: Telegram only needs the ack, and
	// the reply goes out through the Bot API, not this response.
	timeout := h.TurnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	turnCtx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		defer cancel()
		start := time.Now()
		res := h.Orchestrator.HandleMessage(turnCtx, services.Inbound{
			ChatID:    msg.Chat.ID,
			Text:      msg.Text,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
			Username:  msg.From.Username,
			Language:  msg.From.LanguageCode,
		})
		middleware.TurnDuration.WithLabelValues(res.Intent).Observe(time.Since(start).Seconds())
		if res.LeadID != 0 {
			middleware.LeadsCaptured.WithLabelValues("manual").Inc()
		}
		if res.Text == "" {
			return
		}
		if err := h.Sender.SendMessage(turnCtx, msg.Chat.ID, res.Text, res.Suggested...); err != nil {
			h.Log.Error(turnCtx, "reply send failed", map[string]any{
				"chat_id": msg.Chat.ID,
				"error":   err.Error(),
			})
		}
	}()

	ok(c, http.StatusOK, gin.H{"ok": true})
}
