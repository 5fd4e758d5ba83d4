// Package costs implements the monthly LLM budget guard: token/cost
// rollups, the threshold alert, the kill-switch, and the weekly usage
// report.
//
// The guard keeps the current period's totals in memory so Allow is a
// mutex-guarded comparison, not a query, on every LLM call. Totals are
// rebuilt from the usage_statistics table on startup and whenever the
// calendar month rolls over, so restarts cannot reset a budget.
package costs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/config"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// pricePer1K maps known models to USD per 1000 tokens. Unknown models fall
// back to defaultPricePer1K so cost projections stay conservative rather
// than silently zero.
var pricePer1K = map[string]float64{
	"gpt-4o":         2.50,
	"gpt-4o-mini":    0.15,
	"gpt-4.1":        2.00,
	"gpt-4.1-mini":   0.40,
	"yandexgpt":      0.20,
	"yandexgpt-lite": 0.05,
}

const defaultPricePer1K = 1.0

// Guard enforces the monthly budget. Implements llm.CostGuard.
type Guard struct {
	db  *gorm.DB
	cfg config.CostConfig
	log *logging.Hybrid
	now func() time.Time

	mu         sync.Mutex
	year       int
	month      time.Month
	tokens     int64
	cost       float64
	alerted    bool // threshold alert fired this period
	limitFired bool // limit-reached critical fired this period
	cleared    bool // operator lifted the kill-switch for this period
}

// NewGuard builds a guard and primes it from the stored rollups for the
// current period.
func NewGuard(ctx context.Context, db *gorm.DB, cfg config.CostConfig, log *logging.Hybrid) (*Guard, error) {
	g := &Guard{db: db, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
	if err := g.refreshLocked(ctx, g.now()); err != nil {
		return nil, err
	}
	return g, nil
}

// Allow reports whether another billable call may proceed. It returns
// llm.ErrCostLimitExceeded only when the budget is exhausted AND the
// kill-switch is armed and not operator-cleared; with the switch off,
// overruns alert but never block.
func (g *Guard) Allow(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)

	if !g.overLimitLocked() {
		return nil
	}
	if !g.limitFired {
		g.limitFired = true
		g.log.Critical(ctx, "monthly llm budget exhausted", map[string]any{
			"tokens":      g.tokens,
			"cost_usd":    g.cost,
			"token_limit": g.cfg.MonthlyTokenLimit,
			"cost_limit":  g.cfg.MonthlyCostLimit,
			"kill_switch": g.cfg.AutoDisableOnLimit,
		})
	}
	if g.cfg.AutoDisableOnLimit && !g.cleared {
		return llm.ErrCostLimitExceeded
	}
	return nil
}

// ClearKillSwitch lifts the auto-disable block for the rest of the current
// period. The switch re-arms when the month rolls over.
func (g *Guard) ClearKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = true
}

// Record accumulates tokens from a completed call onto the in-memory totals
// and the durable rollup row, then fires the threshold alert if crossed.
func (g *Guard) Record(ctx context.Context, provider, model string, tokens int) {
	if tokens <= 0 {
		return
	}
	price, ok := pricePer1K[model]
	if !ok {
		price = defaultPricePer1K
	}

	g.mu.Lock()
	g.rolloverLocked(ctx)
	g.tokens += int64(tokens)
	g.cost += float64(tokens) / 1000 * price
	year, month := g.year, g.month
	shouldAlert := g.cfg.AlertEnabled && !g.alerted && g.thresholdCrossedLocked()
	if shouldAlert {
		g.alerted = true
	}
	tokensNow, costNow := g.tokens, g.cost
	g.mu.Unlock()

	if err := repo.AddUsage(ctx, g.db, provider, model, year, int(month), int64(tokens), price); err != nil {
		g.log.Error(ctx, "usage rollup write failed", map[string]any{"error": err.Error()})
	}

	if shouldAlert {
		g.log.Critical(ctx, "monthly llm budget threshold crossed", map[string]any{
			"tokens":    tokensNow,
			"cost_usd":  costNow,
			"threshold": g.cfg.AlertThreshold,
		})
	}
}

// Snapshot returns the current period totals, for the usage endpoint.
func (g *Guard) Snapshot(ctx context.Context) (tokens int64, cost float64, year int, month time.Month) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	return g.tokens, g.cost, g.year, g.month
}

// WeeklyReport formats a usage summary for the current period.
func (g *Guard) WeeklyReport(ctx context.Context) (string, error) {
	now := g.now()
	rows, err := repo.UsageForPeriod(ctx, g.db, now.Year(), int(now.Month()))
	if err != nil {
		return "", err
	}
	report := fmt.Sprintf("LLM usage %d-%02d:\n", now.Year(), now.Month())
	var tokens int64
	var cost float64
	for _, r := range rows {
		c := float64(r.TotalTokens) / 1000 * r.PricePer1K
		tokens += r.TotalTokens
		cost += c
		report += fmt.Sprintf("  %s/%s: %d tokens (~$%.2f)\n", r.Provider, r.Model, r.TotalTokens, c)
	}
	report += fmt.Sprintf("Total: %d tokens (~$%.2f) of %d / $%.2f",
		tokens, cost, g.cfg.MonthlyTokenLimit, g.cfg.MonthlyCostLimit)
	return report, nil
}

// RunWeeklyReport emits the report as a BUSINESS event every 7 days until
// ctx is cancelled. No-op unless enabled in config.
func (g *Guard) RunWeeklyReport(ctx context.Context) error {
	if !g.cfg.WeeklyUsageReport {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(7 * 24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := g.WeeklyReport(ctx)
			if err != nil {
				g.log.Error(ctx, "weekly usage report failed", map[string]any{"error": err.Error()})
				continue
			}
			g.log.Business(ctx, "weekly_usage_report", map[string]any{"report": report})
		}
	}
}

// rolloverLocked resets totals when the calendar month has changed.
// Caller holds g.mu.
func (g *Guard) rolloverLocked(ctx context.Context) {
	now := g.now()
	if now.Year() == g.year && now.Month() == g.month {
		return
	}
	if err := g.refreshLocked(ctx, now); err != nil {
		g.log.Error(ctx, "usage rollover refresh failed", map[string]any{"error": err.Error()})
	}
}

// refreshLocked rebuilds totals for the period containing now.
// Caller holds g.mu (or has exclusive access during construction).
func (g *Guard) refreshLocked(ctx context.Context, now time.Time) error {
	tokens, err := repo.TotalTokensForPeriod(ctx, g.db, now.Year(), int(now.Month()))
	if err != nil {
		return err
	}
	cost, err := repo.CostForPeriod(ctx, g.db, now.Year(), int(now.Month()))
	if err != nil {
		return err
	}
	g.year, g.month = now.Year(), now.Month()
	g.tokens, g.cost = tokens, cost
	g.alerted = false
	g.limitFired = false
	g.cleared = false
	return nil
}

func (g *Guard) overLimitLocked() bool {
	return (g.cfg.MonthlyTokenLimit > 0 && g.tokens >= g.cfg.MonthlyTokenLimit) ||
		(g.cfg.MonthlyCostLimit > 0 && g.cost >= g.cfg.MonthlyCostLimit)
}

func (g *Guard) thresholdCrossedLocked() bool {
	if g.cfg.MonthlyTokenLimit > 0 &&
		float64(g.tokens) >= g.cfg.AlertThreshold*float64(g.cfg.MonthlyTokenLimit) {
		return true
	}
	return g.cfg.MonthlyCostLimit > 0 &&
		g.cost >= g.cfg.AlertThreshold*g.cfg.MonthlyCostLimit
}
