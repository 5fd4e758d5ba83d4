// Package services – ConversationService
//
// Maintains conversation state per user: one open conversation at a time,
// an append-only message log, and the bounded recent window handed to the
// LLM. Turn serialization is per chat: a keyed mutex guarantees that two
// messages from the same chat never interleave their read-generate-append
// cycles, while different chats proceed in parallel.
package services

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// MaxMessageLen caps accepted inbound messages by rune length.
const MaxMessageLen = 4000

// ConversationService manages conversations and their message logs.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Window is the number of recent messages exposed to the LLM.
	Window int

	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

// NewConversationService constructs a ConversationService with the given
// history window.
func NewConversationService(db *gorm.DB, window int) *ConversationService {
	if window < 1 {
		window = 20
	}
	return &ConversationService{
		DB:     db,
		Window: window,
		locks:  map[int64]*chatLock{},
	}
}

// LockChat serializes turn processing for one chat. The returned func
// releases the lock; lock entries are reference-counted and removed when the
// last holder releases, so the map does not grow with chat cardinality.
func (s *ConversationService) LockChat(chatID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &chatLock{}
		s.locks[chatID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, chatID)
		}
		s.mu.Unlock()
	}
}

// EnsureUser returns the user for a transport chat, creating it on first
// contact and refreshing profile fields.
func (s *ConversationService) EnsureUser(ctx context.Context, chatID int64, firstName, lastName, username string) (*domain.User, error) {
	return repo.UpsertUser(ctx, s.DB, chatID, firstName, lastName, username)
}

// Open returns the user's open conversation, creating one if needed.
func (s *ConversationService) Open(ctx context.Context, userID uint, platform, language string) (*domain.Conversation, error) {
	return repo.OpenConversation(ctx, s.DB, userID, platform, language)
}

// AppendUser validates and stores an inbound user message.
func (s *ConversationService) AppendUser(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}
	m := &domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        content,
	}
	if err := repo.AppendMessage(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AppendAssistant stores a generated reply with its intent and accounting.
func (s *ConversationService) AppendAssistant(ctx context.Context, conversationID, content, intent, provider string, tokens int, metadata string) (*domain.Message, error) {
	m := &domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Intent:         intent,
		Provider:       provider,
		TokensUsed:     tokens,
		Metadata:       metadata,
	}
	if err := repo.AppendMessage(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecentWindow returns the last Window messages in chronological order.
func (s *ConversationService) RecentWindow(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return repo.RecentMessages(ctx, s.DB, conversationID, s.Window)
}

// LatestActivity returns when the conversation last saw a message, falling
// back to its start time while it is still empty.
func (s *ConversationService) LatestActivity(ctx context.Context, c *domain.Conversation) (time.Time, error) {
	return repo.LastActivityAt(ctx, s.DB, c)
}

// Close ends a conversation. The next inbound message opens a fresh one.
func (s *ConversationService) Close(ctx context.Context, conversationID string) error {
	return repo.CloseConversation(ctx, s.DB, conversationID)
}
