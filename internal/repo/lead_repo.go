// Package repo — repository functions for leads and lead interactions.
//
// The CRM worker relies on two queries here: DueLeads selects rows eligible
// for a delivery attempt (pending, under the attempt cap, and past the retry
// interval), and the Mark* helpers transition delivery state. The attempt
// counter tracks failed deliveries only; a crash between the CRM call and
// the status update can only cause a re-delivery, never a lost lead.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// CreateLead inserts a new lead row.
func CreateLead(ctx context.Context, db *gorm.DB, l *domain.Lead) error {
	return db.WithContext(ctx).Create(l).Error
}

// GetLead fetches a lead by id, or ErrNotFound.
func GetLead(ctx context.Context, db *gorm.DB, id uint) (*domain.Lead, error) {
	var l domain.Lead
	if err := db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// RecentLead returns the user's newest lead created at or after since,
// regardless of sync status, or ErrNotFound. The lead service uses it to
// augment instead of duplicating within the dedupe window.
func RecentLead(ctx context.Context, db *gorm.DB, userID uint, since time.Time) (*domain.Lead, error) {
	var l domain.Lead
	err := db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at desc").
		First(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// LeadCreatedSince reports whether the user has any lead created at or after
// since. The inactivity monitor uses it to avoid duplicate auto-capture
// within one idle episode.
func LeadCreatedSince(ctx context.Context, db *gorm.DB, userID uint, since time.Time) (bool, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Lead{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&total).Error
	return total > 0, err
}

// UpdateLeadFields applies a partial update to a lead row.
func UpdateLeadFields(ctx context.Context, db *gorm.DB, id uint, updates map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Lead{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DueLeads returns pending leads eligible for a CRM attempt: under the
// attempt cap, and either never tried or last tried before retryBefore.
// Ordered oldest-first so backlog drains fairly.
func DueLeads(ctx context.Context, db *gorm.DB, retryBefore time.Time, limit int) ([]domain.Lead, error) {
	var out []domain.Lead
	err := db.WithContext(ctx).
		Where("status = ? AND sync_attempts < ?", domain.LeadPendingSync, domain.MaxSyncAttempts).
		Where("last_attempt_at IS NULL OR last_attempt_at < ?", retryBefore).
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkSyncAttempt increments the attempt counter and stamps the attempt
// time. The worker calls it after a delivery fails; the counter never moves
// past the cap.
func MarkSyncAttempt(ctx context.Context, db *gorm.DB, id uint) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Lead{}).
		Where("id = ? AND sync_attempts < ?", id, domain.MaxSyncAttempts).
		Updates(map[string]any{
			"sync_attempts":   gorm.Expr("sync_attempts + 1"),
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkSynced transitions a lead to synced and stores the CRM record id.
func MarkSynced(ctx context.Context, db *gorm.DB, id uint, crmID string) error {
	return UpdateLeadFields(ctx, db, id, map[string]any{
		"status": domain.LeadSynced,
		"crm_id": crmID,
	})
}

// MarkSyncFailed transitions a lead to failed after the attempt cap.
func MarkSyncFailed(ctx context.Context, db *gorm.DB, id uint) error {
	return UpdateLeadFields(ctx, db, id, map[string]any{"status": domain.LeadFailed})
}

// AddLeadInteraction appends an audit row to a lead.
func AddLeadInteraction(ctx context.Context, db *gorm.DB, leadID uint, kind, content string) error {
	li := &domain.LeadInteraction{
		LeadID:    leadID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(li).Error
}

// ListLeadInteractions returns a lead's audit trail, oldest first.
func ListLeadInteractions(ctx context.Context, db *gorm.DB, leadID uint) ([]domain.LeadInteraction, error) {
	var out []domain.LeadInteraction
	err := db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// CountLeads returns the number of leads, optionally filtered by status.
func CountLeads(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Lead{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListLeadsPage returns a paginated slice of leads, newest first, optionally
// filtered by status. Use CountLeads for pagination metadata.
func ListLeadsPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Lead, error) {
	var out []domain.Lead
	q := db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
