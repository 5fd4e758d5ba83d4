package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/services"
)

const (
	pollTimeout = 50 // seconds, Bot API long-poll hold
	pollBackoff = 3 * time.Second
)

// Sender is the outbound surface the poller and the webhook handler share.
// Actions are optional post-reply suggestions the transport may render as
// buttons.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, actions ...string) error
}

// Poller drives the agent over getUpdates long polling. It is the default
// transport for deployments without a public HTTPS endpoint; the webhook
// handler covers the rest.
type Poller struct {
	API          *Client
	DB           *gorm.DB
	Orchestrator *services.Orchestrator
	Log          *logging.Hybrid

	// TurnTimeout bounds one update's processing, including the reply send.
	TurnTimeout time.Duration

	wg sync.WaitGroup
}

// Run polls until ctx is cancelled, then waits for in-flight turns to finish.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.API.DeleteWebhook(ctx); err != nil {
		p.Log.Warn(ctx, "webhook cleanup before polling failed", map[string]any{"error": err.Error()})
	}

	var offset int64
	for {
		if ctx.Err() != nil {
			break
		}
		updates, err := p.API.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			p.Log.Warn(ctx, "getUpdates failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
			case <-time.After(pollBackoff):
			}
			continue
		}
		for i := range updates {
			u := updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.dispatch(ctx, u)
		}
	}

	p.wg.Wait()
	return ctx.Err()
}

// dispatch hands one update to the orchestrator on its own goroutine so a
// slow LLM turn does not stall polling. Per-chat ordering is preserved by
// the orchestrator's chat lock.
func (p *Poller) dispatch(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.IsBot {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		timeout := p.TurnTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		// Detached from the poll context: an in-flight turn finishes and
		// replies even while the poller is shutting down.
		turnCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		firstSeen, err := repo.MarkUpdateSeen(turnCtx, p.DB, msg.Chat.ID, u.UpdateID)
		if err != nil {
			p.Log.Warn(turnCtx, "update dedupe failed", map[string]any{"error": err.Error()})
		} else if !firstSeen {
			return
		}

		res := p.Orchestrator.HandleMessage(turnCtx, services.Inbound{
			ChatID:    msg.Chat.ID,
			Text:      msg.Text,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
			Username:  msg.From.Username,
			Language:  msg.From.LanguageCode,
		})
		if res.Text == "" {
			return
		}
		if err := p.API.SendMessage(turnCtx, msg.Chat.ID, res.Text, res.Suggested...); err != nil {
			p.Log.Error(turnCtx, "reply send failed", map[string]any{
				"chat_id": msg.Chat.ID,
				"error":   err.Error(),
			})
		}
	}()
}
