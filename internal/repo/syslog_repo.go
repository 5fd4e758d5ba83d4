// Package repo — repository functions for durable system logs.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// InsertSystemLog persists one log row. Metadata is pre-serialized JSON.
func InsertSystemLog(ctx context.Context, db *gorm.DB, level, message, metadata string) error {
	row := &domain.SystemLog{
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(row).Error
}

// ListSystemLogs returns recent rows newest first, optionally filtered by
// level.
func ListSystemLogs(ctx context.Context, db *gorm.DB, level string, limit int) ([]domain.SystemLog, error) {
	var out []domain.SystemLog
	q := db.WithContext(ctx)
	if level != "" {
		q = q.Where("level = ?", level)
	}
	err := q.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// PurgeSystemLogs deletes rows older than before. Returns rows removed.
func PurgeSystemLogs(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&domain.SystemLog{})
	return res.RowsAffected, res.Error
}
