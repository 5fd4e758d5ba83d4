// Package repo — repository functions for catalog versions and the company
// knowledge base (services + company info).
//
// Blue-green contract: at most one catalog version is active. Activation
// happens in one transaction that flips the previous active row to
// superseded and the building row to active, so a reader sees exactly one
// active version at every instant.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// CreateCatalogVersion inserts a new building version row.
func CreateCatalogVersion(ctx context.Context, db *gorm.DB, versionName string, totalRows int) (*domain.CatalogVersion, error) {
	v := &domain.CatalogVersion{
		VersionName: versionName,
		Status:      domain.CatalogBuilding,
		TotalRows:   totalRows,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateCatalogProgress records how many rows have been embedded so far.
func UpdateCatalogProgress(ctx context.Context, db *gorm.DB, id uint, indexedRows int) error {
	return db.WithContext(ctx).
		Model(&domain.CatalogVersion{}).
		Where("id = ?", id).
		Update("indexed_rows", indexedRows).Error
}

// ActivateCatalogVersion flips the building version to active and the
// previously active version (if any) to superseded, atomically.
func ActivateCatalogVersion(ctx context.Context, db *gorm.DB, id uint) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.CatalogVersion{}).
			Where("status = ? AND id <> ?", domain.CatalogActive, id).
			Updates(map[string]any{
				"status":        domain.CatalogSuperseded,
				"superseded_at": now,
			}).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.CatalogVersion{}).
			Where("id = ? AND status = ?", id, domain.CatalogBuilding).
			Updates(map[string]any{
				"status":       domain.CatalogActive,
				"activated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// MarkCatalogFailed transitions a building version to failed. The previous
// active version is untouched and keeps serving.
func MarkCatalogFailed(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).
		Model(&domain.CatalogVersion{}).
		Where("id = ?", id).
		Update("status", domain.CatalogFailed).Error
}

// ActiveCatalogVersion returns the currently active version, or ErrNotFound.
func ActiveCatalogVersion(ctx context.Context, db *gorm.DB) (*domain.CatalogVersion, error) {
	var v domain.CatalogVersion
	err := db.WithContext(ctx).
		Where("status = ?", domain.CatalogActive).
		First(&v).Error
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetCatalogVersion fetches a version by id, or ErrNotFound.
func GetCatalogVersion(ctx context.Context, db *gorm.DB, id uint) (*domain.CatalogVersion, error) {
	var v domain.CatalogVersion
	if err := db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// ListCatalogVersions returns versions newest first.
func ListCatalogVersions(ctx context.Context, db *gorm.DB, limit int) ([]domain.CatalogVersion, error) {
	var out []domain.CatalogVersion
	err := db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ---- company services ----

// ListActiveServices returns the structured services knowledge base.
func ListActiveServices(ctx context.Context, db *gorm.DB) ([]domain.CompanyService, error) {
	var out []domain.CompanyService
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("category asc, title asc").
		Find(&out).Error
	return out, err
}

// ReplaceServices deactivates the existing service rows and inserts the new
// set in one transaction.
func ReplaceServices(ctx context.Context, db *gorm.DB, services []domain.CompanyService) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.CompanyService{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		for i := range services {
			services[i].Active = true
			if services[i].CreatedAt.IsZero() {
				services[i].CreatedAt = time.Now().UTC()
			}
		}
		if len(services) == 0 {
			return nil
		}
		return tx.Create(&services).Error
	})
}

// ---- company info ----

// ActiveCompanyInfo returns the newest active company document, or
// ErrNotFound.
func ActiveCompanyInfo(ctx context.Context, db *gorm.DB) (*domain.CompanyInfo, error) {
	var info domain.CompanyInfo
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at desc").
		First(&info).Error
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ReplaceCompanyInfo deactivates previous documents and stores a new one.
func ReplaceCompanyInfo(ctx context.Context, db *gorm.DB, content, filename string) (*domain.CompanyInfo, error) {
	info := &domain.CompanyInfo{
		Content:          content,
		OriginalFilename: filename,
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.CompanyInfo{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(info).Error
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
