package worker

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/bot"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/services"
)

// qualifyingIntents mark a conversation as commercially interesting enough
// to auto-capture a lead from when the visitor goes quiet.
var qualifyingIntents = []string{services.IntentProduct, services.IntentContact}

// InactivityMonitor closes idle conversations and, when the episode showed
// buying intent and the user left a contact earlier, captures a lead
// automatically so the thread is not lost. A qualified episode without a
// contact gets one re-engagement message asking for it before the close.
type InactivityMonitor struct {
	DB    *gorm.DB
	Leads *services.LeadService
	Conv  *services.ConversationService
	Log   *logging.Hybrid

	// Sender delivers the re-engagement prompt. Nil on API-only deployments;
	// the monitor then closes silently.
	Sender bot.Sender

	// Interval between sweeps.
	Interval time.Duration
	// IdleAfter is how long a conversation may sit without messages.
	IdleAfter time.Duration
	// LookBack bounds the intent scan inside the episode.
	LookBack time.Duration

	now       func() time.Time
	lastSweep atomic.Int64
}

// LastSweep reports when the monitor last completed a pass.
func (m *InactivityMonitor) LastSweep() time.Time {
	return time.Unix(0, m.lastSweep.Load())
}

// NewInactivityMonitor constructs a monitor with the configured cadence.
func NewInactivityMonitor(db *gorm.DB, leads *services.LeadService, conv *services.ConversationService, log *logging.Hybrid, interval, idleAfter time.Duration) *InactivityMonitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	return &InactivityMonitor{
		DB:        db,
		Leads:     leads,
		Conv:      conv,
		Log:       log,
		Interval:  interval,
		IdleAfter: idleAfter,
		LookBack:  24 * time.Hour,
		now:       time.Now,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (m *InactivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep processes every conversation idle past the threshold, longest-idle
// first. Exported so the admin surface and tests can trigger a pass without
// waiting.
func (m *InactivityMonitor) Sweep(ctx context.Context) {
	defer m.lastSweep.Store(time.Now().UnixNano())
	now := m.now().UTC()
	idle, err := repo.ListIdleOpenConversations(ctx, m.DB, now.Add(-m.IdleAfter))
	if err != nil {
		m.Log.Error(ctx, "inactivity sweep failed", map[string]any{"error": err.Error()})
		return
	}

	type entry struct {
		conv   *domain.Conversation
		lastAt time.Time
	}
	entries := make([]entry, 0, len(idle))
	for i := range idle {
		at, err := m.Conv.LatestActivity(ctx, &idle[i])
		if err != nil {
			m.Log.Warn(ctx, "activity lookup failed", map[string]any{"conversation_id": idle[i].ID, "error": err.Error()})
			at = idle[i].StartedAt
		}
		entries = append(entries, entry{conv: &idle[i], lastAt: at})
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].lastAt.Before(entries[b].lastAt) })

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		m.closeOne(ctx, e.conv, now)
	}
}

func (m *InactivityMonitor) closeOne(ctx context.Context, conv *domain.Conversation, now time.Time) {
	if m.shouldCapture(ctx, conv, now) {
		m.capture(ctx, conv)
	}
	if err := m.Conv.Close(ctx, conv.ID); err != nil {
		m.Log.Error(ctx, "conversation close failed", map[string]any{"conversation_id": conv.ID, "error": err.Error()})
	}
}

// shouldCapture: buying intent inside the look-back window, and no lead
// created during this episode yet.
func (m *InactivityMonitor) shouldCapture(ctx context.Context, conv *domain.Conversation, now time.Time) bool {
	qualified, err := repo.HadIntentSince(ctx, m.DB, conv.ID, qualifyingIntents, now.Add(-m.LookBack))
	if err != nil {
		m.Log.Warn(ctx, "intent scan failed", map[string]any{"conversation_id": conv.ID, "error": err.Error()})
		return false
	}
	if !qualified {
		return false
	}
	episodeStart := conv.StartedAt
	has, err := repo.LeadCreatedSince(ctx, m.DB, conv.UserID, episodeStart)
	if err != nil {
		m.Log.Warn(ctx, "lead lookup failed", map[string]any{"conversation_id": conv.ID, "error": err.Error()})
		return false
	}
	return !has
}

func (m *InactivityMonitor) capture(ctx context.Context, conv *domain.Conversation) {
	user, err := repo.GetUser(ctx, m.DB, conv.UserID)
	if err != nil {
		m.Log.Warn(ctx, "user lookup failed", map[string]any{"conversation_id": conv.ID, "error": err.Error()})
		return
	}
	question := m.summary(ctx, conv)
	lead, err := m.Leads.AutoCapture(ctx, user, question)
	switch {
	case errors.Is(err, services.ErrLeadMissingContact):
		// Nothing to deliver without a phone or email; ask for one before
		// the episode closes.
		m.reengage(ctx, user)
	case err != nil:
		m.Log.Warn(ctx, "auto-capture failed", map[string]any{"conversation_id": conv.ID, "error": err.Error()})
	default:
		m.Log.Business(ctx, "lead_auto_captured", map[string]any{
			"conversation_id": conv.ID,
			"lead_id":         lead.ID,
			"user_id":         conv.UserID,
		})
	}
}

const reengageText = "Вы интересовались нашими товарами. Оставьте, пожалуйста, телефон или почту — " +
	"менеджер свяжется с вами и ответит на вопросы."

// reengage asks an interested but anonymous user for a contact before the
// idle episode closes.
func (m *InactivityMonitor) reengage(ctx context.Context, user *domain.User) {
	if m.Sender == nil {
		return
	}
	if err := m.Sender.SendMessage(ctx, user.ChatID, reengageText); err != nil {
		m.Log.Warn(ctx, "re-engagement send failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		return
	}
	m.Log.Business(ctx, "reengagement_sent", map[string]any{"user_id": user.ID, "chat_id": user.ChatID})
}

// summary builds a short question line for the auto-created lead out of the
// user's last few messages.
func (m *InactivityMonitor) summary(ctx context.Context, conv *domain.Conversation) string {
	msgs, err := repo.RecentMessages(ctx, m.DB, conv.ID, 6)
	if err != nil {
		return "Интересовался товарами, не оставил вопрос"
	}
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			last = msgs[i].Content
			break
		}
	}
	if last == "" {
		return "Интересовался товарами, не оставил вопрос"
	}
	return "Последний вопрос в чате: " + last
}
