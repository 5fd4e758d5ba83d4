// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// database and vector-index locations, provider credentials, search tuning,
// cost-guard limits, and notification targets.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// SearchConfig tunes the vector catalog engine (§ boosted ranking).
type SearchConfig struct {
	MinScore     float64 // SEARCH_MIN_SCORE in [0,1]
	NameBoost    float64 // SEARCH_NAME_BOOST in [0,0.5]
	ArticleBoost float64 // SEARCH_ARTICLE_BOOST in [0,0.5], must exceed NameBoost
	MaxResults   int     // SEARCH_MAX_RESULTS in [1,20]
}

// CostConfig configures the cost guard.
type CostConfig struct {
	MonthlyTokenLimit  int64   // MONTHLY_TOKEN_LIMIT
	MonthlyCostLimit   float64 // MONTHLY_COST_LIMIT_USD
	AlertThreshold     float64 // COST_ALERT_THRESHOLD in (0,1]
	AutoDisableOnLimit bool    // AUTO_DISABLE_ON_LIMIT
	AlertEnabled       bool    // COST_ALERT_ENABLED
	WeeklyUsageReport  bool    // WEEKLY_USAGE_REPORT
}

// LLMConfig holds provider credentials and defaults.
type LLMConfig struct {
	DefaultProvider string // DEFAULT_LLM_PROVIDER: openai|yandex
	OpenAIAPIKey    string
	OpenAIModel     string
	YandexAPIKey    string
	YandexFolderID  string
	YandexModel     string
	CallTimeout     time.Duration // per-attempt timeout
}

// NotifyConfig lists alert and lead-notification targets.
type NotifyConfig struct {
	ManagerChatID    int64   // MANAGER_TELEGRAM_CHAT_ID
	AdminTelegramIDs []int64 // ADMIN_TELEGRAM_IDS (CSV)
	ManagerEmails    []string
	SMTPHost         string
	SMTPUser         string
	SMTPPassword     string
	BaseURL          string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GinMode           string
	WebhookPath       string // Telegram webhook mount point

	// Logging
	LogLevel  string
	LogPretty bool

	// Transport
	BotToken           string
	DisableTelegramBot bool // API-only role when true

	// Storage
	DatabaseURL      string // sqlite path or postgres:// URL
	ChromaPersistDir string // vector index root
	UploadDir        string // uploaded catalog files

	// Embeddings
	EmbeddingModel string // provider-specific model id; empty picks the provider default

	// Turn processing
	TurnDeadline     time.Duration // soft per-turn budget
	ContextWindow    int           // LLM-visible history length
	DrainTimeout     time.Duration // shutdown drain budget
	InactivityMins   int           // LEAD_INACTIVITY_THRESHOLD (minutes)
	MonitorInterval  time.Duration // inactivity scan cadence
	CRMRetryInterval time.Duration // delay between delivery attempts

	// Rate limiting
	RateRPS   float64
	RateBurst int

	Search SearchConfig
	Cost   CostConfig
	LLM    LLMConfig
	Notify NotifyConfig
	CORS   CORSConfig
	OTEL   OTELConfig

	// CRM endpoint
	CRMBaseURL string
	CRMToken   string
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		WebhookPath:       getenv("WEBHOOK_PATH", "/webhook/telegram"),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		BotToken:           getenv("BOT_TOKEN", ""),
		DisableTelegramBot: getbool("DISABLE_TELEGRAM_BOT", false),

		DatabaseURL:      getenv("DATABASE_URL", "agent.db"),
		ChromaPersistDir: getenv("CHROMA_PERSIST_DIR", "data/chroma"),
		UploadDir:        getenv("UPLOAD_DIR", "data/uploads"),

		EmbeddingModel: getenv("EMBEDDING_MODEL", ""),

		TurnDeadline:     getdur("TURN_DEADLINE", 10*time.Second),
		ContextWindow:    getint("CONTEXT_WINDOW", 20),
		DrainTimeout:     getdur("DRAIN_TIMEOUT", 30*time.Second),
		InactivityMins:   getint("LEAD_INACTIVITY_THRESHOLD", 120),
		MonitorInterval:  getdur("MONITOR_INTERVAL", 10*time.Minute),
		CRMRetryInterval: getdur("CRM_RETRY_INTERVAL", 30*time.Minute),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		Search: SearchConfig{
			MinScore:     getfloat("SEARCH_MIN_SCORE", 0.45),
			NameBoost:    getfloat("SEARCH_NAME_BOOST", 0.20),
			ArticleBoost: getfloat("SEARCH_ARTICLE_BOOST", 0.30),
			MaxResults:   getint("SEARCH_MAX_RESULTS", 10),
		},

		Cost: CostConfig{
			MonthlyTokenLimit:  getint64("MONTHLY_TOKEN_LIMIT", 10_000_000),
			MonthlyCostLimit:   getfloat("MONTHLY_COST_LIMIT_USD", 100),
			AlertThreshold:     getfloat("COST_ALERT_THRESHOLD", 0.8),
			AutoDisableOnLimit: getbool("AUTO_DISABLE_ON_LIMIT", false),
			AlertEnabled:       getbool("COST_ALERT_ENABLED", true),
			WeeklyUsageReport:  getbool("WEEKLY_USAGE_REPORT", false),
		},

		LLM: LLMConfig{
			DefaultProvider: strings.ToLower(getenv("DEFAULT_LLM_PROVIDER", "openai")),
			OpenAIAPIKey:    getenv("OPENAI_API_KEY", ""),
			OpenAIModel:     getenv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
			YandexAPIKey:    getenv("YANDEX_API_KEY", ""),
			YandexFolderID:  getenv("YANDEX_FOLDER_ID", ""),
			YandexModel:     getenv("YANDEX_DEFAULT_MODEL", "yandexgpt"),
			CallTimeout:     getdur("LLM_CALL_TIMEOUT", 30*time.Second),
		},

		Notify: NotifyConfig{
			ManagerChatID:    getint64("MANAGER_TELEGRAM_CHAT_ID", 0),
			AdminTelegramIDs: splitIDs(getenv("ADMIN_TELEGRAM_IDS", "")),
			ManagerEmails:    splitCSV(getenv("MANAGER_EMAILS", "")),
			SMTPHost:         getenv("SMTP_HOST", ""),
			SMTPUser:         getenv("SMTP_USER", ""),
			SMTPPassword:     getenv("SMTP_PASSWORD", ""),
			BaseURL:          getenv("BASE_URL", ""),
		},

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-sales-agent"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},

		CRMBaseURL: getenv("CRM_BASE_URL", ""),
		CRMToken:   getenv("CRM_TOKEN", ""),
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		cfg.WebhookPath = "/" + cfg.WebhookPath
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return cfg, errors.New("DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.ChromaPersistDir) == "" {
		return cfg, errors.New("CHROMA_PERSIST_DIR must not be empty")
	}
	switch cfg.LLM.DefaultProvider {
	case "openai", "yandex":
	default:
		return cfg, errors.New("DEFAULT_LLM_PROVIDER must be openai or yandex")
	}
	if cfg.Search.MinScore < 0 || cfg.Search.MinScore > 1 {
		return cfg, errors.New("SEARCH_MIN_SCORE must be in [0,1]")
	}
	if cfg.Search.NameBoost < 0 || cfg.Search.NameBoost > 0.5 {
		return cfg, errors.New("SEARCH_NAME_BOOST must be in [0,0.5]")
	}
	if cfg.Search.ArticleBoost < 0 || cfg.Search.ArticleBoost > 0.5 {
		return cfg, errors.New("SEARCH_ARTICLE_BOOST must be in [0,0.5]")
	}
	if cfg.Search.ArticleBoost <= cfg.Search.NameBoost {
		return cfg, errors.New("SEARCH_ARTICLE_BOOST must exceed SEARCH_NAME_BOOST")
	}
	if cfg.Search.MaxResults < 1 || cfg.Search.MaxResults > 20 {
		return cfg, errors.New("SEARCH_MAX_RESULTS must be in [1,20]")
	}
	if cfg.Cost.AlertThreshold <= 0 || cfg.Cost.AlertThreshold > 1 {
		return cfg, errors.New("COST_ALERT_THRESHOLD must be in (0,1]")
	}
	if cfg.ContextWindow < 1 {
		return cfg, errors.New("CONTEXT_WINDOW must be >= 1")
	}
	if cfg.InactivityMins < 1 {
		return cfg, errors.New("LEAD_INACTIVITY_THRESHOLD must be >= 1 minute")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// IsPostgres reports whether DatabaseURL points at a Postgres server rather
// than a SQLite file.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitIDs parses a CSV of integer chat ids, silently skipping junk entries.
func splitIDs(s string) []int64 {
	var out []int64
	for _, p := range splitCSV(s) {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
