// Package repo — webhook redelivery dedupe.
//
// Telegram re-posts an update when the webhook responds slowly; running the
// turn twice would double the stored messages and the reply. MarkUpdateSeen
// claims the (chat_id, update_id) pair with an insert guarded by a unique
// index, which makes the claim race-free across concurrent webhook requests.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// MarkUpdateSeen records the update pair and reports whether this call was
// the first to see it. A duplicate insert hits the unique index and returns
// firstSeen=false without an error.
func MarkUpdateSeen(ctx context.Context, db *gorm.DB, chatID, updateID int64) (bool, error) {
	row := &domain.WebhookEvent{
		ChatID:   chatID,
		UpdateID: updateID,
		SeenAt:   time.Now().UTC(),
	}
	err := db.WithContext(ctx).Create(row).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// PurgeWebhookEvents deletes dedupe rows seen before the cutoff. Telegram
// never re-delivers beyond a day, so old rows are pure bloat.
func PurgeWebhookEvents(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Unscoped().
		Where("seen_at < ?", before).
		Delete(&domain.WebhookEvent{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation matches unique-constraint errors across the SQLite and
// Postgres drivers without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
