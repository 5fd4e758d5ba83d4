// Package repo — repository functions for prompt templates.
//
// Activation contract: per prompt name exactly one version is active. The
// write path (CreatePromptVersion) deactivates the previous version and
// inserts + activates the new one inside a single transaction, so readers
// never observe zero or two active versions of a name.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// GetActivePrompt returns the active version for name, or ErrNotFound.
func GetActivePrompt(ctx context.Context, db *gorm.DB, name string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := db.WithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActivePrompts returns every active prompt, one per name.
func ListActivePrompts(ctx context.Context, db *gorm.DB) ([]domain.Prompt, error) {
	var out []domain.Prompt
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("name asc").
		Find(&out).Error
	return out, err
}

// CreatePromptVersion inserts a new version of name with the next version
// number, activates it, and deactivates the previous active version — all in
// one transaction.
func CreatePromptVersion(ctx context.Context, db *gorm.DB, name, content, role string) (*domain.Prompt, error) {
	var created *domain.Prompt
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&domain.Prompt{}).
			Where("name = ?", name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.Prompt{}).
			Where("name = ? AND active = ?", name, true).
			Update("active", false).Error; err != nil {
			return err
		}
		p := &domain.Prompt{
			Name:      name,
			Version:   maxVersion + 1,
			Content:   content,
			Role:      role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SeedPromptDefaults inserts version 1 for any name that has no rows yet.
// Existing names are left untouched, so operator edits survive restarts.
func SeedPromptDefaults(ctx context.Context, db *gorm.DB, defaults map[string]string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for name, content := range defaults {
			var total int64
			if err := tx.Model(&domain.Prompt{}).Where("name = ?", name).Count(&total).Error; err != nil {
				return err
			}
			if total > 0 {
				continue
			}
			p := &domain.Prompt{
				Name:      name,
				Version:   1,
				Content:   content,
				Role:      domain.RoleSystem,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
