// Package repo — repository functions for monthly usage rollups.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// AddUsage accumulates tokens onto the (provider, model, year, month) rollup
// row, inserting it on first use. pricePer1K is only written on insert; the
// price in effect when the period opened sticks for the whole period.
func AddUsage(ctx context.Context, db *gorm.DB, provider, model string, year, month int, tokens int64, pricePer1K float64) error {
	rec := &domain.UsageRecord{
		Provider:    provider,
		Model:       model,
		Year:        year,
		Month:       month,
		TotalTokens: tokens,
		PricePer1K:  pricePer1K,
		UpdatedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"}, {Name: "model"}, {Name: "year"}, {Name: "month"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"total_tokens": gorm.Expr("total_tokens + ?", tokens),
			"updated_at":   rec.UpdatedAt,
		}),
	}).Create(rec).Error
}

// UsageForPeriod returns all rollup rows for a given year and month.
func UsageForPeriod(ctx context.Context, db *gorm.DB, year, month int) ([]domain.UsageRecord, error) {
	var out []domain.UsageRecord
	err := db.WithContext(ctx).
		Where("year = ? AND month = ?", year, month).
		Order("provider asc, model asc").
		Find(&out).Error
	return out, err
}

// TotalTokensForPeriod sums tokens across providers and models for a period.
func TotalTokensForPeriod(ctx context.Context, db *gorm.DB, year, month int) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("year = ? AND month = ?", year, month).
		Select("COALESCE(SUM(total_tokens), 0)").
		Scan(&total).Error
	return total, err
}

// CostForPeriod sums estimated cost across rollup rows for a period,
// applying each row's stored per-1K price.
func CostForPeriod(ctx context.Context, db *gorm.DB, year, month int) (float64, error) {
	var total float64
	err := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("year = ? AND month = ?", year, month).
		Select("COALESCE(SUM(total_tokens / 1000.0 * price_per1_k), 0)").
		Scan(&total).Error
	return total, err
}
