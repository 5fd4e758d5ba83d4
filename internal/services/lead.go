// Package services – LeadService
//
// Captures leads: validates and normalizes contact details, deduplicates
// against the user's recent lead, persists with pending_sync status, and
// notifies managers. Persist-then-notify ordering is deliberate: the row is
// the source of truth for CRM delivery, the notification is best-effort.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/utils"
)

// recentLeadWindow is the dedupe horizon: a new capture inside it augments
// the existing lead instead of creating another.
const recentLeadWindow = 24 * time.Hour

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// LeadNotifier announces a new lead to managers. Implementations live in
// the notify package; failures are logged, never propagated.
type LeadNotifier interface {
	NotifyLead(ctx context.Context, lead *domain.Lead, user *domain.User) error
}

// LeadInput is the contact data extracted from a conversation.
type LeadInput struct {
	LastName string
	Phone    string
	Email    string
	Company  string
	Question string
}

// LeadService captures and manages leads.
type LeadService struct {
	DB        *gorm.DB
	Log       *logging.Hybrid
	Notifiers []LeadNotifier
}

// NewLeadService constructs a LeadService.
func NewLeadService(db *gorm.DB, log *logging.Hybrid, notifiers ...LeadNotifier) *LeadService {
	return &LeadService{DB: db, Log: log, Notifiers: notifiers}
}

// Capture validates the input and creates a lead for the user, or augments
// the user's lead from the last 24 hours instead of duplicating it. The
// created/updated lead starts (or stays) pending_sync; notification happens
// after the row is durable.
func (s *LeadService) Capture(ctx context.Context, user *domain.User, in LeadInput) (*domain.Lead, error) {
	normalized, err := s.normalize(user, in)
	if err != nil {
		return nil, err
	}

	// Contact details also stick to the user profile for future auto-capture.
	if err := repo.UpdateUserContact(ctx, s.DB, user.ID, normalized.Phone, normalized.Email); err != nil {
		s.Log.Warn(ctx, "user contact update failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	since := time.Now().UTC().Add(-recentLeadWindow)
	existing, err := repo.RecentLead(ctx, s.DB, user.ID, since)
	if err == nil {
		return s.augment(ctx, existing, normalized)
	}
	if err != repo.ErrNotFound {
		return nil, err
	}

	lead := &domain.Lead{
		UserID:   user.ID,
		LastName: normalized.LastName,
		Phone:    normalized.Phone,
		Email:    normalized.Email,
		Telegram: telegramHandle(user),
		Company:  normalized.Company,
		Question: normalized.Question,
		Source:   domain.SourceTelegram,
		Status:   domain.LeadPendingSync,
	}
	if err := repo.CreateLead(ctx, s.DB, lead); err != nil {
		return nil, err
	}

	s.Log.Business(ctx, "lead_captured", map[string]any{
		"lead_id": lead.ID,
		"user_id": user.ID,
		"auto":    false,
	})
	s.notify(ctx, lead, user)
	return lead, nil
}

// AutoCapture creates a lead from the user's stored profile when the
// inactivity monitor fires. It requires a stored contact; without one there
// is nothing for a manager to act on.
func (s *LeadService) AutoCapture(ctx context.Context, user *domain.User, question string) (*domain.Lead, error) {
	if user.Phone == "" && user.Email == "" {
		return nil, ErrLeadMissingContact
	}
	lastName := utils.FirstNonEmpty(user.LastName, user.FirstName, user.Username, fmt.Sprintf("Telegram %d", user.ChatID))

	since := time.Now().UTC().Add(-recentLeadWindow)
	if existing, err := repo.RecentLead(ctx, s.DB, user.ID, since); err == nil {
		return existing, nil // already captured this episode
	} else if err != repo.ErrNotFound {
		return nil, err
	}

	lead := &domain.Lead{
		UserID:      user.ID,
		LastName:    lastName,
		Phone:       user.Phone,
		Email:       user.Email,
		Telegram:    telegramHandle(user),
		Question:    question,
		Source:      domain.SourceTelegram,
		Status:      domain.LeadPendingSync,
		AutoCreated: true,
	}
	if err := repo.CreateLead(ctx, s.DB, lead); err != nil {
		return nil, err
	}

	s.Log.Business(ctx, "lead_captured", map[string]any{
		"lead_id": lead.ID,
		"user_id": user.ID,
		"auto":    true,
	})
	s.notify(ctx, lead, user)
	return lead, nil
}

// AddNote appends a manager note to a lead's audit trail.
func (s *LeadService) AddNote(ctx context.Context, leadID uint, note string) error {
	if strings.TrimSpace(note) == "" {
		return domain.NewValidationError("note", "must not be empty")
	}
	if _, err := repo.GetLead(ctx, s.DB, leadID); err != nil {
		return err
	}
	return repo.AddLeadInteraction(ctx, s.DB, leadID, "note", note)
}

// augment fills blank fields of an existing recent lead with newly captured
// data and records the update in the audit trail.
func (s *LeadService) augment(ctx context.Context, lead *domain.Lead, in LeadInput) (*domain.Lead, error) {
	updates := map[string]any{}
	if lead.Phone == "" && in.Phone != "" {
		updates["phone"] = in.Phone
		lead.Phone = in.Phone
	}
	if lead.Email == "" && in.Email != "" {
		updates["email"] = in.Email
		lead.Email = in.Email
	}
	if lead.Company == "" && in.Company != "" {
		updates["company"] = in.Company
		lead.Company = in.Company
	}
	if in.Question != "" && !strings.Contains(lead.Question, in.Question) {
		q := strings.TrimSpace(lead.Question + "\n" + in.Question)
		updates["question"] = q
		lead.Question = q
	}
	if len(updates) == 0 {
		return lead, nil
	}
	if err := repo.UpdateLeadFields(ctx, s.DB, lead.ID, updates); err != nil {
		return nil, err
	}
	if err := repo.AddLeadInteraction(ctx, s.DB, lead.ID, "augmented", "contact details updated from conversation"); err != nil {
		s.Log.Warn(ctx, "lead interaction write failed", map[string]any{"lead_id": lead.ID, "error": err.Error()})
	}
	return lead, nil
}

// normalize validates the input and fills the last name from the profile
// when the conversation did not yield one.
func (s *LeadService) normalize(user *domain.User, in LeadInput) (LeadInput, error) {
	in.LastName = strings.TrimSpace(in.LastName)
	if in.LastName == "" {
		in.LastName = utils.FirstNonEmpty(user.LastName, user.FirstName, user.Username, fmt.Sprintf("Telegram %d", user.ChatID))
	}
	if in.LastName == "" {
		return in, ErrLeadMissingName
	}

	if in.Phone != "" {
		p, ok := utils.NormalizePhone(in.Phone)
		if !ok {
			return in, ErrInvalidPhone
		}
		in.Phone = p
	}
	if in.Email != "" {
		in.Email = strings.TrimSpace(strings.ToLower(in.Email))
		if !emailShape.MatchString(in.Email) {
			return in, ErrInvalidEmail
		}
	}
	if in.Phone == "" && in.Email == "" {
		return in, ErrLeadMissingContact
	}
	return in, nil
}

// notify fans the new lead out to every configured channel, best-effort.
func (s *LeadService) notify(ctx context.Context, lead *domain.Lead, user *domain.User) {
	for _, n := range s.Notifiers {
		if err := n.NotifyLead(ctx, lead, user); err != nil {
			s.Log.Warn(ctx, "lead notification failed", map[string]any{
				"lead_id": lead.ID,
				"error":   err.Error(),
			})
		}
	}
}

func telegramHandle(user *domain.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("chat:%d", user.ChatID)
}
