package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
	"github.com/nordmach/go-sales-agent/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newHandlerDB opens a throwaway SQLite database with the full schema.
func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("handlers_test_%d.db", time.Now().UnixNano()))
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
		&domain.WebhookEvent{}, &domain.CatalogVersion{}, &domain.UsageRecord{},
		&domain.LLMSetting{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func nopHybrid(db *gorm.DB) *logging.Hybrid {
	return logging.New(zerolog.Nop(), db)
}

// echoGateway satisfies services.LLMGateway with fixed answers.
type echoGateway struct {
	reply string
	label string
}

func (g *echoGateway) Generate(context.Context, []llm.Message) (*llm.Response, error) {
	return &llm.Response{Content: g.reply, Model: "fake", Usage: llm.Usage{TotalTokens: 3}}, nil
}

func (g *echoGateway) Classify(context.Context, string, string) (*llm.Response, error) {
	return &llm.Response{Content: g.label, Model: "fake"}, nil
}

// chanSender records outbound replies and signals each send.
type chanSender struct {
	mu      sync.Mutex
	sent    []string
	actions [][]string
	ch      chan struct{}
}

func newChanSender() *chanSender {
	return &chanSender{ch: make(chan struct{}, 16)}
}

func (s *chanSender) SendMessage(_ context.Context, _ int64, text string, actions ...string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.actions = append(s.actions, actions)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func (s *chanSender) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply sent")
	}
}

type nilSearcher struct{}

func (nilSearcher) Search(context.Context, string, int) ([]catalog.Result, error) { return nil, nil }

func newTestOrchestrator(t *testing.T, db *gorm.DB, gw services.LLMGateway) *services.Orchestrator {
	t.Helper()
	reg, err := prompts.NewRegistry(context.Background(), db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	log := nopHybrid(db)
	return &services.Orchestrator{
		Conversations: services.NewConversationService(db, 20),
		Classifier:    services.NewIntentClassifier(gw, reg),
		Knowledge:     services.NewKnowledgeService(db),
		Leads:         services.NewLeadService(db, log),
		Catalog:       nilSearcher{},
		Gateway:       gw,
		Prompts:       reg,
		Log:           log,
		TurnDeadline:  10 * time.Second,
		MaxResults:    10,
	}
}
