// Package repo — repository functions for provider settings.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// ActiveLLMSetting returns the active provider row, or ErrNotFound when no
// operator choice is stored (the gateway then falls back to the configured
// default provider).
func ActiveLLMSetting(ctx context.Context, db *gorm.DB) (*domain.LLMSetting, error) {
	var s domain.LLMSetting
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetActiveProvider makes provider the single active row, creating its row
// if needed, inside one transaction.
func SetActiveProvider(ctx context.Context, db *gorm.DB, provider string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.LLMSetting{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.LLMSetting{}).
			Where("provider = ?", provider).
			Updates(map[string]any{"is_active": true, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&domain.LLMSetting{
				Provider:  provider,
				Config:    "{}",
				IsActive:  true,
				UpdatedAt: now,
			}).Error
		}
		return nil
	})
}
