package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordmach/go-sales-agent/internal/crm"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/logging"
)

// newWorkerDB opens a throwaway SQLite database with the full schema.
func newWorkerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("worker_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	err = db.AutoMigrate(
		&domain.User{}, &domain.Conversation{}, &domain.Message{},
		&domain.Lead{}, &domain.LeadInteraction{}, &domain.SystemLog{},
		&domain.WebhookEvent{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func nopHybrid(db *gorm.DB) *logging.Hybrid {
	return logging.New(zerolog.Nop(), db)
}

// fakeCRM is an in-memory crm.Client. Records are keyed by phone and email.
type fakeCRM struct {
	mu        sync.Mutex
	byContact map[string]*crm.Record
	notes     map[string][]string
	created   []crm.LeadPayload
	nextID    int

	searchErr error
	createErr error
	noteErr   error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{byContact: map[string]*crm.Record{}, notes: map[string][]string{}}
}

func (f *fakeCRM) seed(id, phone, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &crm.Record{ID: id, Phone: phone, Email: email}
	if phone != "" {
		f.byContact[phone] = rec
	}
	if email != "" {
		f.byContact[email] = rec
	}
}

func (f *fakeCRM) SearchLead(_ context.Context, phone, email string) (*crm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if rec, ok := f.byContact[phone]; ok && phone != "" {
		return rec, nil
	}
	if rec, ok := f.byContact[email]; ok && email != "" {
		return rec, nil
	}
	return nil, crm.ErrLeadNotFound
}

func (f *fakeCRM) CreateLead(_ context.Context, p crm.LeadPayload) (*crm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, p)
	rec := &crm.Record{ID: fmt.Sprintf("crm-%d", f.nextID), Phone: p.Phone, Email: p.Email}
	if p.Phone != "" {
		f.byContact[p.Phone] = rec
	}
	if p.Email != "" {
		f.byContact[p.Email] = rec
	}
	return rec, nil
}

func (f *fakeCRM) AddNote(_ context.Context, recordID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noteErr != nil {
		return f.noteErr
	}
	f.notes[recordID] = append(f.notes[recordID], note)
	return nil
}

func seedWorkerLead(t *testing.T, db *gorm.DB, phone string) *domain.Lead {
	t.Helper()
	user := &domain.User{ChatID: time.Now().UnixNano(), FirstName: "Test"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	lead := &domain.Lead{
		UserID:   user.ID,
		LastName: "Тестов",
		Phone:    phone,
		Question: "Нужна дрель",
		Source:   domain.SourceTelegram,
		Status:   domain.LeadPendingSync,
	}
	if err := db.Create(lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}

func reloadLead(t *testing.T, db *gorm.DB, id uint) *domain.Lead {
	t.Helper()
	var lead domain.Lead
	if err := db.First(&lead, id).Error; err != nil {
		t.Fatalf("reload lead: %v", err)
	}
	return &lead
}
