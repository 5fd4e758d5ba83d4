// Package httpapi wires the HTTP transport (Gin) to the application:
// middleware chain, the Telegram webhook, the health probe, and the admin
// surface. All dependencies are injected through Deps; the router itself
// holds no state.
//
// Middleware order:
//  1. OpenTelemetry tracing
//  2. RequestID
//  3. Redacting access log
//  4. Recovery
//  5. Body size limit
//  6. Metrics (+ /metrics endpoint)
//  7. CORS and security headers
//
// The rate limiter applies to the admin group only: Telegram retries 429s,
// so limiting the webhook would amplify traffic instead of shedding it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/bot"
	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/config"
	"github.com/nordmach/go-sales-agent/internal/costs"
	"github.com/nordmach/go-sales-agent/internal/http/handlers"
	"github.com/nordmach/go-sales-agent/internal/http/middleware"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
	"github.com/nordmach/go-sales-agent/internal/services"
)

// Deps carries everything the routes need.
type Deps struct {
	DB           *gorm.DB
	Orchestrator *services.Orchestrator
	Leads        *services.LeadService
	Engine       *catalog.Engine
	Prompts      *prompts.Registry
	Gateway      *llm.Gateway
	Guard        *costs.Guard
	Sender       bot.Sender
	Log          *logging.Hybrid

	// HealthProbes report per-component state on /health.
	HealthProbes map[string]handlers.Probe
}

// RegisterRoutes attaches middleware and endpoints to the Gin engine.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	// Catalog uploads are the only large bodies; everything else stays small.
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	health := &handlers.HealthHandler{DB: d.DB, Components: d.HealthProbes}
	r.GET("/health", health.Handle)

	webhook := &handlers.WebhookHandler{
		DB:           d.DB,
		Orchestrator: d.Orchestrator,
		Sender:       d.Sender,
		Log:          d.Log,
		TurnTimeout:  cfg.TurnDeadline + 20*time.Second,
	}
	r.POST(webhookPath(cfg), webhook.Handle)

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	adm := &handlers.AdminHandler{
		DB:        d.DB,
		Leads:     d.Leads,
		Engine:    d.Engine,
		Prompts:   d.Prompts,
		Gateway:   d.Gateway,
		Guard:     d.Guard,
		Log:       d.Log,
		UploadDir: cfg.UploadDir,
	}
	admin := r.Group("/admin", rl.Handler())
	{
		admin.GET("/leads", adm.ListLeads)
		admin.GET("/leads/export", adm.ExportLeads)
		admin.GET("/leads/:id", adm.GetLead)
		admin.POST("/leads/:id/notes", adm.AddLeadNote)

		admin.POST("/catalog", adm.UploadCatalog)
		admin.GET("/catalog/progress", adm.CatalogProgress)

		admin.PUT("/services", adm.ReplaceServices)
		admin.PUT("/company-info", adm.PutCompanyInfo)

		admin.GET("/prompts", adm.ListPrompts)
		admin.POST("/prompts/reload", adm.ReloadPrompts)
		admin.GET("/prompts/:name", adm.GetPrompt)
		admin.PUT("/prompts/:name", adm.PutPrompt)

		admin.GET("/provider", adm.GetProvider)
		admin.PUT("/provider", adm.SwitchProvider)

		admin.GET("/usage", adm.Usage)
		admin.POST("/usage/clear-limit", adm.ClearCostLimit)
		admin.GET("/logs", adm.ListLogs)
	}
}

// limitBody caps request bodies except the catalog upload route, which has
// its own limit in the handler.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/admin/catalog" {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func webhookPath(cfg config.Config) string {
	if cfg.WebhookPath == "" {
		return "/webhook"
	}
	return cfg.WebhookPath
}
