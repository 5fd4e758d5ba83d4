// Package repo — repository functions for conversations and messages.
//
// Ordering contract: messages within a conversation are append-only and
// ordered by (created_at, id). RecentMessages returns the window in
// chronological order so the service layer can hand it to the LLM as-is.
//
// Functions:
//
//   - OpenConversation(ctx, db, userID, platform, language) -> *Conversation
//     Returns the user's open conversation, creating one if none exists.
//
//   - CloseConversation(ctx, db, id) -> error
//     Marks a conversation closed and stamps EndedAt.
//
//   - AppendMessage(ctx, db, msg) -> error
//     Inserts a message row (UUID id, UTC timestamp filled if zero).
//
//   - RecentMessages(ctx, db, conversationID, n) -> []Message
//     Last n messages in chronological order.
//
//   - ListIdleOpenConversations(ctx, db, idleSince) -> []Conversation
//     Open conversations whose latest message predates idleSince.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// OpenConversation returns the open conversation for userID, creating a new
// one when the user has none. Platform and language are only set on create.
func OpenConversation(ctx context.Context, db *gorm.DB, userID uint, platform, language string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.ConversationOpen).
		Order("started_at desc").
		First(&c).Error
	if err == nil {
		return &c, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	c = domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  platform,
		Status:    domain.ConversationOpen,
		Language:  language,
		StartedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by id, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CloseConversation marks the conversation closed and stamps EndedAt.
// Closing an already-closed conversation is a no-op, not an error.
func CloseConversation(ctx context.Context, db *gorm.DB, id string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.ConversationOpen).
		Updates(map[string]any{"status": domain.ConversationClosed, "ended_at": now}).Error
}

// AppendMessage inserts a message row. The id and timestamp are filled when
// the caller leaves them zero. Rows are never updated afterwards.
func AppendMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(m).Error
}

// RecentMessages returns the last n messages of the conversation in
// chronological order. Fewer than n rows are returned when the conversation
// is shorter than the window.
func RecentMessages(ctx context.Context, db *gorm.DB, conversationID string, n int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc, id desc").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastActivityAt returns the timestamp of the newest message in the
// conversation, or the conversation start when it has no messages.
func LastActivityAt(ctx context.Context, db *gorm.DB, c *domain.Conversation) (time.Time, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", c.ID).
		Order("created_at desc, id desc").
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return c.StartedAt, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

// ListIdleOpenConversations returns open conversations whose newest message
// (or start time, for empty conversations) predates idleSince.
func ListIdleOpenConversations(ctx context.Context, db *gorm.DB, idleSince time.Time) ([]domain.Conversation, error) {
	var out []domain.Conversation
	sub := db.Model(&domain.Message{}).
		Select("max(created_at)").
		Where("messages.conversation_id = conversations.id")
	err := db.WithContext(ctx).
		Where("status = ?", domain.ConversationOpen).
		Where("COALESCE((?), started_at) < ?", sub, idleSince).
		Find(&out).Error
	return out, err
}

// HadIntentSince reports whether the conversation contains an assistant turn
// classified with any of the given intents at or after since.
func HadIntentSince(ctx context.Context, db *gorm.DB, conversationID string, intents []string, since time.Time) (bool, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND intent IN ? AND created_at >= ?", conversationID, intents, since).
		Count(&total).Error
	return total > 0, err
}
