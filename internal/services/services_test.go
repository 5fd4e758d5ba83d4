package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
)

// newServicesDB opens a throwaway SQLite database with the full schema.
func newServicesDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
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
		&domain.Lead{}, &domain.LeadInteraction{}, &domain.Prompt{},
		&domain.CompanyService{}, &domain.CompanyInfo{}, &domain.SystemLog{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestRegistry(t *testing.T, db *gorm.DB) *prompts.Registry {
	t.Helper()
	reg, err := prompts.NewRegistry(context.Background(), db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func nopHybrid(db *gorm.DB) *logging.Hybrid {
	return logging.New(zerolog.Nop(), db)
}

// scriptedGateway fakes the LLM: Generate echoes a configured reply,
// Classify returns a configured label.
type scriptedGateway struct {
	mu            sync.Mutex
	reply         string
	label         string
	generateErr   error
	classifyErr   error
	generateCalls int
	classifyCalls int
	lastMsgs      []llm.Message
}

func (g *scriptedGateway) Generate(_ context.Context, msgs []llm.Message) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generateCalls++
	g.lastMsgs = msgs
	if g.generateErr != nil {
		return nil, g.generateErr
	}
	return &llm.Response{Content: g.reply, Model: "fake", Usage: llm.Usage{TotalTokens: 5}}, nil
}

func (g *scriptedGateway) Classify(_ context.Context, _, _ string) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classifyCalls++
	if g.classifyErr != nil {
		return nil, g.classifyErr
	}
	return &llm.Response{Content: g.label, Model: "fake"}, nil
}

// fixedSearcher returns a scripted result set.
type fixedSearcher struct {
	results []catalog.Result
	err     error
	queries []string
	mu      sync.Mutex
}

func (f *fixedSearcher) Search(_ context.Context, query string, _ int) ([]catalog.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func seedTestUser(t *testing.T, db *gorm.DB, chatID int64) *domain.User {
	t.Helper()
	svc := NewConversationService(db, 20)
	u, err := svc.EnsureUser(context.Background(), chatID, "Test", "User", "testuser")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return u
}

// assertContains fails unless s contains sub.
func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("expected %q in %q", sub, s)
	}
}
