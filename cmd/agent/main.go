// Command agent runs the conversational sales agent: the Telegram transport
// (webhook or long polling), the admin API, and the background workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nordmach/go-sales-agent/internal/bot"
	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/config"
	"github.com/nordmach/go-sales-agent/internal/costs"
	"github.com/nordmach/go-sales-agent/internal/crm"
	httpapi "github.com/nordmach/go-sales-agent/internal/http"
	"github.com/nordmach/go-sales-agent/internal/http/handlers"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/notify"
	"github.com/nordmach/go-sales-agent/internal/observability"
	"github.com/nordmach/go-sales-agent/internal/prompts"
	"github.com/nordmach/go-sales-agent/internal/repo"
	"github.com/nordmach/go-sales-agent/internal/services"
	"github.com/nordmach/go-sales-agent/internal/sysutil"
	"github.com/nordmach/go-sales-agent/internal/worker"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	logger := log.Logger
	if cfg.LogPretty {
		logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		log.Logger = logger
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()

	db, err := repo.OpenDatabase(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Notifiers: nil means the channel is not configured.
	tgNotify := notify.NewTelegram(cfg.BotToken, cfg.Notify.ManagerChatID, cfg.Notify.AdminTelegramIDs)
	emNotify := notify.NewEmail(cfg.Notify.SMTPHost, cfg.Notify.SMTPUser, cfg.Notify.SMTPPassword, cfg.Notify.ManagerEmails)

	var alerters []logging.Alerter
	var leadNotifiers []services.LeadNotifier
	if tgNotify != nil {
		alerters = append(alerters, tgNotify)
		leadNotifiers = append(leadNotifiers, tgNotify)
	}
	if emNotify != nil {
		alerters = append(alerters, emNotify)
		leadNotifiers = append(leadNotifiers, emNotify)
	}
	hybrid := logging.New(logger, db, alerters...)

	registry, err := prompts.NewRegistry(ctx, db)
	if err != nil {
		return fmt.Errorf("prompt registry: %w", err)
	}

	providers := map[string]llm.Provider{}
	if cfg.LLM.OpenAIAPIKey != "" {
		providers["openai"] = llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIModel, cfg.EmbeddingModel, "")
	}
	if cfg.LLM.YandexAPIKey != "" {
		providers["yandex"] = llm.NewYandexProvider(cfg.LLM.YandexAPIKey, cfg.LLM.YandexFolderID, cfg.LLM.YandexModel, cfg.EmbeddingModel)
	}
	if len(providers) == 0 {
		return errors.New("no LLM provider configured: set OPENAI_API_KEY or YANDEX_API_KEY")
	}

	guard, err := costs.NewGuard(ctx, db, cfg.Cost, hybrid)
	if err != nil {
		return fmt.Errorf("cost guard: %w", err)
	}
	gateway, err := llm.NewGateway(ctx, db, providers, cfg.LLM.DefaultProvider, guard, logger)
	if err != nil {
		return fmt.Errorf("llm gateway: %w", err)
	}

	engine, err := catalog.NewEngine(ctx, db, cfg.Search, cfg.ChromaPersistDir, gateway, hybrid)
	if err != nil {
		return fmt.Errorf("catalog engine: %w", err)
	}

	convSvc := services.NewConversationService(db, cfg.ContextWindow)
	leadSvc := services.NewLeadService(db, hybrid, leadNotifiers...)
	orchestrator := &services.Orchestrator{
		Conversations: convSvc,
		Classifier:    services.NewIntentClassifier(gateway, registry),
		Knowledge:     services.NewKnowledgeService(db),
		Leads:         leadSvc,
		Catalog:       engine,
		Gateway:       gateway,
		Prompts:       registry,
		Log:           hybrid,
		TurnDeadline:  cfg.TurnDeadline,
		MaxResults:    cfg.Search.MaxResults,
	}

	dispatcher := worker.NewCRMDispatcher(db, crm.NewHTTPClient(cfg.CRMBaseURL, cfg.CRMToken), hybrid, cfg.CRMRetryInterval)
	monitor := worker.NewInactivityMonitor(db, leadSvc, convSvc, hybrid,
		cfg.MonitorInterval, time.Duration(cfg.InactivityMins)*time.Minute)

	api := bot.NewClient(cfg.BotToken)
	if !cfg.DisableTelegramBot && cfg.BotToken != "" {
		monitor.Sender = api
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hybrid.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return worker.NewJanitor(db, hybrid).Run(gctx) })
	if cfg.CRMBaseURL != "" {
		g.Go(func() error { return dispatcher.Run(gctx) })
	} else {
		hybrid.Warn(ctx, "CRM_BASE_URL not set, lead delivery disabled", nil)
	}
	if cfg.Cost.WeeklyUsageReport {
		g.Go(func() error { return guard.RunWeeklyReport(gctx) })
	}

	// Transport: webhook when a public base URL exists, long polling otherwise.
	useWebhook := cfg.Notify.BaseURL != ""
	if !cfg.DisableTelegramBot && cfg.BotToken != "" {
		if useWebhook {
			if err := api.SetWebhook(ctx, cfg.Notify.BaseURL+cfg.WebhookPath); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
		} else {
			poller := &bot.Poller{
				API:          api,
				DB:           db,
				Orchestrator: orchestrator,
				Log:          hybrid,
				TurnTimeout:  cfg.TurnDeadline + 20*time.Second,
			}
			g.Go(func() error { return poller.Run(gctx) })
		}
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:           db,
		Orchestrator: orchestrator,
		Leads:        leadSvc,
		Engine:       engine,
		Prompts:      registry,
		Gateway:      gateway,
		Guard:        guard,
		Sender:       api,
		Log:          hybrid,
		HealthProbes: healthProbes(cfg, gateway, engine, dispatcher, monitor),
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Stop intake first, then let workers drain.
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// healthProbes builds the per-component checks surfaced on /health.
func healthProbes(cfg config.Config, gateway *llm.Gateway, engine *catalog.Engine, dispatcher *worker.CRMDispatcher, monitor *worker.InactivityMonitor) map[string]handlers.Probe {
	probes := map[string]handlers.Probe{
		"llm_gateway": gateway.Health,
		"catalog_index": func(context.Context) error {
			if engine.ActiveVersion() == "" {
				return errors.New("no active index")
			}
			return nil
		},
		"inactivity_monitor": staleProbe(monitor.LastSweep, 3*cfg.MonitorInterval),
	}
	if cfg.CRMBaseURL != "" {
		probes["crm_worker"] = staleProbe(dispatcher.LastScan, 3*time.Minute)
	}
	return probes
}

// staleProbe reports a loop as unhealthy when it has not completed a pass
// within the allowance. A zero timestamp (not yet run) passes: workers fire
// on ticker cadence and must not fail the probe right after boot.
func staleProbe(last func() time.Time, allowance time.Duration) handlers.Probe {
	started := time.Now()
	return func(context.Context) error {
		ts := last()
		if ts.Unix() <= 0 {
			if time.Since(started) > allowance {
				return errors.New("loop has never completed a pass")
			}
			return nil
		}
		if time.Since(ts) > allowance {
			return fmt.Errorf("last pass %s ago", time.Since(ts).Round(time.Second))
		}
		return nil
	}
}
