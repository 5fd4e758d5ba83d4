package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

type captureNotifier struct {
	mu    sync.Mutex
	leads []uint
	err   error
}

func (c *captureNotifier) NotifyLead(_ context.Context, lead *domain.Lead, _ *domain.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leads = append(c.leads, lead.ID)
	return c.err
}

func TestCapture_NormalizesPhoneAndPersists(t *testing.T) {
	db := newServicesDB(t)
	n := &captureNotifier{}
	svc := NewLeadService(db, nopHybrid(db), n)
	user := seedTestUser(t, db, 4001)

	lead, err := svc.Capture(context.Background(), user, LeadInput{
		Phone:    "8 (999) 123-45-67",
		Question: "Нужен перфоратор",
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if lead.Phone != "+79991234567" {
		t.Fatalf("phone = %q", lead.Phone)
	}
	if lead.Status != domain.LeadPendingSync || lead.SyncAttempts != 0 {
		t.Fatalf("bad initial delivery state: %+v", lead)
	}
	if lead.LastName == "" {
		t.Fatalf("last name not filled from profile")
	}
	if lead.Source != domain.SourceTelegram {
		t.Fatalf("source = %q", lead.Source)
	}
	if len(n.leads) != 1 || n.leads[0] != lead.ID {
		t.Fatalf("notifier not called: %+v", n.leads)
	}

	// Contact stuck to the user profile.
	u, err := repo.GetUser(context.Background(), db, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Phone != "+79991234567" {
		t.Fatalf("user phone = %q", u.Phone)
	}
}

func TestCapture_ValidationErrors(t *testing.T) {
	db := newServicesDB(t)
	svc := NewLeadService(db, nopHybrid(db))
	user := seedTestUser(t, db, 4002)
	ctx := context.Background()

	if _, err := svc.Capture(ctx, user, LeadInput{Phone: "not-a-phone"}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if _, err := svc.Capture(ctx, user, LeadInput{Email: "nope"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Capture(ctx, user, LeadInput{Question: "just text"}); !errors.Is(err, ErrLeadMissingContact) {
		t.Fatalf("expected ErrLeadMissingContact, got %v", err)
	}
}

func TestCapture_AugmentsRecentLead(t *testing.T) {
	db := newServicesDB(t)
	svc := NewLeadService(db, nopHybrid(db))
	user := seedTestUser(t, db, 4003)
	ctx := context.Background()

	first, err := svc.Capture(ctx, user, LeadInput{Phone: "89991112233", Question: "Вопрос один"})
	if err != nil {
		t.Fatalf("Capture 1: %v", err)
	}
	second, err := svc.Capture(ctx, user, LeadInput{Email: "a@b.ru", Question: "Вопрос два"})
	if err != nil {
		t.Fatalf("Capture 2: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("recent capture created a duplicate lead")
	}
	if second.Phone != "+79991112233" || second.Email != "a@b.ru" {
		t.Fatalf("augment lost fields: %+v", second)
	}
	assertContains(t, second.Question, "Вопрос два")

	var total int64
	if err := db.Model(&domain.Lead{}).Count(&total).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("lead count = %d, want 1", total)
	}
}

func TestCapture_OldLeadDoesNotBlockNewOne(t *testing.T) {
	db := newServicesDB(t)
	svc := NewLeadService(db, nopHybrid(db))
	user := seedTestUser(t, db, 4004)
	ctx := context.Background()

	first, err := svc.Capture(ctx, user, LeadInput{Phone: "89991112233"})
	if err != nil {
		t.Fatalf("Capture 1: %v", err)
	}
	stale := time.Now().UTC().Add(-25 * time.Hour)
	if err := db.Model(&domain.Lead{}).Where("id = ?", first.ID).Update("created_at", stale).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	second, err := svc.Capture(ctx, user, LeadInput{Phone: "89994445566"})
	if err != nil {
		t.Fatalf("Capture 2: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("capture outside the window should create a fresh lead")
	}
}

func TestAutoCapture_RequiresStoredContact(t *testing.T) {
	db := newServicesDB(t)
	svc := NewLeadService(db, nopHybrid(db))
	user := seedTestUser(t, db, 4005)

	if _, err := svc.AutoCapture(context.Background(), user, "q"); !errors.Is(err, ErrLeadMissingContact) {
		t.Fatalf("expected ErrLeadMissingContact, got %v", err)
	}

	if err := repo.UpdateUserContact(context.Background(), db, user.ID, "+79990001122", ""); err != nil {
		t.Fatalf("UpdateUserContact: %v", err)
	}
	user.Phone = "+79990001122"

	lead, err := svc.AutoCapture(context.Background(), user, "интересовался перфораторами")
	if err != nil {
		t.Fatalf("AutoCapture: %v", err)
	}
	if !lead.AutoCreated {
		t.Fatalf("AutoCreated not set")
	}

	// Second auto-capture within the window reuses the lead.
	again, err := svc.AutoCapture(context.Background(), user, "повторно")
	if err != nil {
		t.Fatalf("AutoCapture (again): %v", err)
	}
	if again.ID != lead.ID {
		t.Fatalf("duplicate auto-captured lead in one episode")
	}
}

func TestAddNote_WritesInteraction(t *testing.T) {
	db := newServicesDB(t)
	svc := NewLeadService(db, nopHybrid(db))
	user := seedTestUser(t, db, 4006)
	ctx := context.Background()

	lead, err := svc.Capture(ctx, user, LeadInput{Email: "x@y.ru"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := svc.AddNote(ctx, lead.ID, "позвонил, перезвонить завтра"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	notes, err := repo.ListLeadInteractions(ctx, db, lead.ID)
	if err != nil {
		t.Fatalf("ListLeadInteractions: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != "note" {
		t.Fatalf("unexpected interactions: %+v", notes)
	}

	if err := svc.AddNote(ctx, 99999, "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing lead, got %v", err)
	}
}
