// Package domain defines the persistence models for users, conversations,
// leads, prompts, catalog versions, and the supporting operational tables.
// These types are mapped with GORM and form the core data layer of the
// sales-agent application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Conversation status values.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Lead sync statuses.
const (
	LeadPendingSync = "pending_sync"
	LeadSynced      = "synced"
	LeadFailed      = "failed"
)

// Lead sources as the CRM expects them on the wire.
const (
	SourceTelegram = "TG"
	SourceSalesIQ  = "SalesIQ Chat"
)

// CatalogVersion statuses.
const (
	CatalogBuilding   = "building"
	CatalogActive     = "active"
	CatalogSuperseded = "superseded"
	CatalogFailed     = "failed"
)

// MaxSyncAttempts caps CRM delivery attempts per lead.
const MaxSyncAttempts = 2

// User is a person talking to the agent. ChatID — not the transport's own
// user id — is the stable, platform-agnostic handle; every conversation and
// lead hangs off it. Users are created on first inbound message and never
// deleted while referenced.
type User struct {
	ID        uint   `json:"id"         gorm:"primaryKey"`
	ChatID    int64  `json:"chat_id"    gorm:"not null;uniqueIndex"`
	FirstName string `json:"first_name" gorm:"type:varchar(128)"`
	LastName  string `json:"last_name"  gorm:"type:varchar(128)"`
	Username  string `json:"username"   gorm:"type:varchar(128)"`
	Phone     string `json:"phone"      gorm:"type:varchar(32)"`
	Email     string `json:"email"      gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

// Conversation is an ordered sequence of messages scoped to one user. A user
// has at most one open conversation at a time; a fresh one is opened on the
// first message after the previous conversation ended.
type Conversation struct {
	ID        string     `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    uint       `json:"user_id"    gorm:"not null;index:idx_user_convs"`
	Platform  string     `json:"platform"   gorm:"type:varchar(32);not null;default:'telegram'"`
	Status    string     `json:"status"     gorm:"type:varchar(16);not null;default:'open';index"`
	Language  string     `json:"language"   gorm:"type:varchar(16)"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Metadata  string     `json:"-"          gorm:"type:text"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is a single utterance within a conversation. Rows are strictly
// append-only; ordering within a conversation is (CreatedAt, ID).
//
// Intent and the LLM accounting fields are only populated on assistant
// messages. Metadata carries retrieval context as JSON.
type Message struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Content        string `json:"content"         gorm:"type:text;not null"`
	Intent         string `json:"intent,omitempty"   gorm:"type:varchar(32)"`
	Provider       string `json:"provider,omitempty" gorm:"type:varchar(32)"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
	Metadata       string `json:"-"               gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"   gorm:"index:idx_conv_msgs,priority:2"`

	// Conversation is the parent log. Messages are cascade-deleted with it.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Message) TableName() string { return "messages" }

// Lead is a captured prospect carrying delivery state toward the CRM.
//
// Invariants enforced by the lead service and checked by tests:
//   - LastName is non-empty and at least one of Phone/Email is present;
//   - SyncAttempts never exceeds MaxSyncAttempts;
//   - Status == synced implies CRMID != "".
type Lead struct {
	ID            uint       `json:"id"             gorm:"primaryKey"`
	UserID        uint       `json:"user_id"        gorm:"not null;index"`
	LastName      string     `json:"last_name"      gorm:"type:varchar(200);not null"`
	Phone         string     `json:"phone,omitempty"    gorm:"type:varchar(32)"`
	Email         string     `json:"email,omitempty"    gorm:"type:varchar(255)"`
	Whatsapp      string     `json:"whatsapp,omitempty" gorm:"type:varchar(32)"`
	Telegram      string     `json:"telegram,omitempty" gorm:"type:varchar(255)"`
	Company       string     `json:"company,omitempty"  gorm:"type:varchar(300)"`
	Question      string     `json:"question,omitempty" gorm:"type:text"`
	Source        string     `json:"source"         gorm:"type:varchar(32);not null;default:'TG'"`
	Status        string     `json:"status"         gorm:"type:varchar(16);not null;default:'pending_sync';index"`
	SyncAttempts  int        `json:"sync_attempts"  gorm:"not null;default:0;check:sync_attempts <= 2"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CRMID         string     `json:"crm_id,omitempty" gorm:"type:varchar(64)"`
	AutoCreated   bool       `json:"auto_created"   gorm:"not null;default:false"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID"`
}

func (Lead) TableName() string { return "leads" }

// HasContact reports whether the lead carries at least one usable contact.
func (l *Lead) HasContact() bool { return l.Phone != "" || l.Email != "" }

// CanRetrySync reports whether the CRM worker may schedule another attempt.
func (l *Lead) CanRetrySync() bool {
	return l.Status == LeadPendingSync && l.SyncAttempts < MaxSyncAttempts
}

// LeadInteraction is an audit row attached to a lead: sync outcomes, notes,
// status changes.
type LeadInteraction struct {
	ID        uint      `json:"id"      gorm:"primaryKey"`
	LeadID    uint      `json:"lead_id" gorm:"not null;index"`
	Kind      string    `json:"kind"    gorm:"type:varchar(32);not null"`
	Content   string    `json:"content" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`

	Lead Lead `json:"-" gorm:"foreignKey:LeadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (LeadInteraction) TableName() string { return "lead_interactions" }

// Prompt is one version of a named prompt template. Per name exactly one
// version is active; versions are immutable once superseded.
type Prompt struct {
	ID        uint      `json:"id"      gorm:"primaryKey"`
	Name      string    `json:"name"    gorm:"type:varchar(128);not null;index:idx_prompt_name;uniqueIndex:ux_prompt_name_version,priority:1"`
	Version   int       `json:"version" gorm:"not null;uniqueIndex:ux_prompt_name_version,priority:2"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	Role      string    `json:"role"    gorm:"type:varchar(16);not null;default:'system'"`
	Active    bool      `json:"active"  gorm:"not null;default:false;index"`
	CreatedAt time.Time `json:"created_at"`
}

func (Prompt) TableName() string { return "prompts" }

// LLMSetting selects and configures a provider. At most one row has
// IsActive set; when none does, the gateway falls back to the configured
// default provider.
type LLMSetting struct {
	ID        uint      `json:"id"       gorm:"primaryKey"`
	Provider  string    `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex"`
	Config    string    `json:"config"   gorm:"type:text;not null;default:'{}'"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:false"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LLMSetting) TableName() string { return "llm_settings" }

// UsageRecord is the monthly token rollup per (provider, model). Only the
// rollup columns mutate; identity columns never change after insert.
type UsageRecord struct {
	ID          uint    `json:"id"           gorm:"primaryKey"`
	Provider    string  `json:"provider"     gorm:"type:varchar(32);not null;uniqueIndex:ux_usage_rollup,priority:1"`
	Model       string  `json:"model"        gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_rollup,priority:2"`
	Year        int     `json:"year"         gorm:"not null;uniqueIndex:ux_usage_rollup,priority:3"`
	Month       int     `json:"month"        gorm:"not null;uniqueIndex:ux_usage_rollup,priority:4"`
	TotalTokens int64   `json:"total_tokens" gorm:"not null;default:0"`
	PricePer1K  float64 `json:"price_per_1k" gorm:"not null;default:0"`
	Currency    string  `json:"currency"     gorm:"type:varchar(8);not null;default:'USD'"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (UsageRecord) TableName() string { return "usage_statistics" }

// CatalogVersion tracks one build of the product vector index. At most one
// row is active; building → active displaces the previous active row to
// superseded in the same transaction. The row owns the on-disk index
// directory named after VersionName.
type CatalogVersion struct {
	ID           uint       `json:"id"           gorm:"primaryKey"`
	VersionName  string     `json:"version_name" gorm:"type:varchar(64);not null;uniqueIndex"`
	Status       string     `json:"status"       gorm:"type:varchar(16);not null;default:'building';index"`
	TotalRows    int        `json:"total_rows"   gorm:"not null;default:0"`
	IndexedRows  int        `json:"indexed_rows" gorm:"not null;default:0"`
	CreatedAt    time.Time  `json:"created_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

func (CatalogVersion) TableName() string { return "catalog_versions" }

// CompanyService is a row of the structured services knowledge base.
// Keywords is a comma-separated lowercase list used for lookup; services are
// deliberately not vectorized.
type CompanyService struct {
	ID          uint      `json:"id"          gorm:"primaryKey"`
	Title       string    `json:"title"       gorm:"type:varchar(255);not null"`
	Description string    `json:"description" gorm:"type:text"`
	Category    string    `json:"category"    gorm:"type:varchar(128);index"`
	Keywords    string    `json:"keywords"    gorm:"type:text"`
	Active      bool      `json:"active"      gorm:"not null;default:true;index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (CompanyService) TableName() string { return "company_services" }

// CompanyInfo holds the uploaded "about the company" document. The newest
// active row wins.
type CompanyInfo struct {
	ID               uint      `json:"id"      gorm:"primaryKey"`
	Content          string    `json:"content" gorm:"type:text;not null"`
	OriginalFilename string    `json:"original_filename" gorm:"type:varchar(255)"`
	Active           bool      `json:"active"  gorm:"not null;default:true;index"`
	CreatedAt        time.Time `json:"created_at"`
}

func (CompanyInfo) TableName() string { return "company_info" }

// SystemLog is the durable sink of the hybrid logger: WARNING and above plus
// BUSINESS analytics events.
type SystemLog struct {
	ID        uint      `json:"id"       gorm:"primaryKey"`
	Level     string    `json:"level"    gorm:"type:varchar(16);not null;index"`
	Message   string    `json:"message"  gorm:"type:text;not null"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (SystemLog) TableName() string { return "system_logs" }

// WebhookEvent dedupes transport redeliveries: Telegram may re-post the same
// update after a slow response, and the webhook handler must not run the
// turn twice.
type WebhookEvent struct {
	ID        uint           `gorm:"primaryKey"`
	ChatID    int64          `gorm:"not null;uniqueIndex:ux_webhook_update,priority:1"`
	UpdateID  int64          `gorm:"not null;uniqueIndex:ux_webhook_update,priority:2"`
	SeenAt    time.Time      `gorm:"index"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
