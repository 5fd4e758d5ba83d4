package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/config"
	"github.com/nordmach/go-sales-agent/internal/costs"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/http/handlers"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
	"github.com/nordmach/go-sales-agent/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvider is a minimal llm.Provider for wiring tests.
type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(context.Context, []llm.Message) (*llm.Response, error) {
	return &llm.Response{Content: "ok", Model: "stub"}, nil
}

func (p *stubProvider) Classify(context.Context, string, string) (*llm.Response, error) {
	return &llm.Response{Content: "GENERAL", Model: "stub"}, nil
}

func (p *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (p *stubProvider) Health(context.Context) error { return nil }

type dropSender struct{}

func (dropSender) SendMessage(context.Context, int64, string, ...string) error { return nil }

func newRouterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("router_test_%d.db", time.Now().UnixNano()))
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

func routerConfig() config.Config {
	return config.Config{
		WebhookPath: "/webhook",
		RateRPS:     100,
		RateBurst:   50,
		Search: config.SearchConfig{
			MinScore:     0.45,
			NameBoost:    0.20,
			ArticleBoost: 0.30,
			MaxResults:   10,
		},
		Cost: config.CostConfig{
			MonthlyTokenLimit: 1_000_000,
			MonthlyCostLimit:  100,
			AlertThreshold:    0.9,
		},
		OTEL: config.OTELConfig{ServiceName: "agent-test"},
	}
}

// newFullRouter assembles the whole HTTP surface with stubbed externals.
func newFullRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	db := newRouterDB(t)
	cfg := routerConfig()
	ctx := context.Background()
	hybrid := logging.New(zerolog.Nop(), db)

	reg, err := prompts.NewRegistry(ctx, db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	guard, err := costs.NewGuard(ctx, db, cfg.Cost, hybrid)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	gateway, err := llm.NewGateway(ctx, db, map[string]llm.Provider{
		"stub": &stubProvider{name: "stub"},
	}, "stub", guard, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	engine, err := catalog.NewEngine(ctx, db, cfg.Search, t.TempDir(), gateway, hybrid)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	convSvc := services.NewConversationService(db, 20)
	leadSvc := services.NewLeadService(db, hybrid)
	orch := &services.Orchestrator{
		Conversations: convSvc,
		Classifier:    services.NewIntentClassifier(gateway, reg),
		Knowledge:     services.NewKnowledgeService(db),
		Leads:         leadSvc,
		Catalog:       engine,
		Gateway:       gateway,
		Prompts:       reg,
		Log:           hybrid,
		TurnDeadline:  10 * time.Second,
		MaxResults:    10,
	}

	r := gin.New()
	RegisterRoutes(r, Deps{
		DB:           db,
		Orchestrator: orch,
		Leads:        leadSvc,
		Engine:       engine,
		Prompts:      reg,
		Gateway:      gateway,
		Guard:        guard,
		Sender:       dropSender{},
		Log:          hybrid,
		HealthProbes: map[string]handlers.Probe{
			"llm_gateway": gateway.Health,
		},
	}, cfg)
	return r, db
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r, _ := newFullRouter(t)

	w := get(r, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d: %s", w.Code, w.Body.String())
	}
	for _, want := range []string{`"status":"healthy"`, `"database":"ok"`, `"llm_gateway":"ok"`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("health body missing %s: %s", want, w.Body.String())
		}
	}

	if w := get(r, "/metrics"); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}

func TestRouter_UnknownRouteEnvelope(t *testing.T) {
	r, _ := newFullRouter(t)

	w := get(r, "/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), handlers.ErrCodeNotFound) {
		t.Fatalf("missing code: %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("no request id on error response")
	}
}

func TestRouter_AdminSurfaceMounted(t *testing.T) {
	r, _ := newFullRouter(t)

	if w := get(r, "/admin/leads"); w.Code != http.StatusOK {
		t.Fatalf("admin leads status = %d: %s", w.Code, w.Body.String())
	}
	if w := get(r, "/admin/provider"); w.Code != http.StatusOK ||
		!strings.Contains(w.Body.String(), "stub") {
		t.Fatalf("admin provider: %d %s", w.Code, w.Body.String())
	}
	if w := get(r, "/admin/usage"); w.Code != http.StatusOK {
		t.Fatalf("admin usage status = %d: %s", w.Code, w.Body.String())
	}
}

func TestRouter_SecurityHeadersPresent(t *testing.T) {
	r, _ := newFullRouter(t)

	w := get(r, "/health")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
}
