package worker

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// Janitor purges expired bookkeeping rows: webhook dedupe entries, useful
// only while Telegram may still re-deliver an update, and system log rows
// past their retention window. Both tables grow with traffic and have no
// reader beyond those horizons.
type Janitor struct {
	DB  *gorm.DB
	Log *logging.Hybrid

	Interval     time.Duration
	WebhookTTL   time.Duration
	SystemLogTTL time.Duration
}

// NewJanitor constructs a janitor with production retention defaults.
func NewJanitor(db *gorm.DB, log *logging.Hybrid) *Janitor {
	return &Janitor{
		DB:           db,
		Log:          log,
		Interval:     time.Hour,
		WebhookTTL:   48 * time.Hour,
		SystemLogTTL: 90 * 24 * time.Hour,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass. Exported for tests.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := repo.PurgeWebhookEvents(ctx, j.DB, now.Add(-j.WebhookTTL)); err != nil {
		j.Log.Warn(ctx, "webhook event purge failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		j.Log.Console().Debug().Int64("rows", n).Msg("webhook events purged")
	}
	if n, err := repo.PurgeSystemLogs(ctx, j.DB, now.Add(-j.SystemLogTTL)); err != nil {
		j.Log.Warn(ctx, "system log purge failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		j.Log.Console().Debug().Int64("rows", n).Msg("system logs purged")
	}
}
