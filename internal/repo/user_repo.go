// Package repo — repository functions for the User model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertUser returns the user owning chatID, creating the row on first
// contact. Profile fields are refreshed when the transport supplies newer
// non-empty values; contact fields (Phone, Email) are never overwritten here.
func UpsertUser(ctx context.Context, db *gorm.DB, chatID int64, firstName, lastName, username string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u = domain.User{
			ChatID:    chatID,
			FirstName: firstName,
			LastName:  lastName,
			Username:  username,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			return nil, err
		}
		return &u, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if firstName != "" && firstName != u.FirstName {
		updates["first_name"] = firstName
	}
	if lastName != "" && lastName != u.LastName {
		updates["last_name"] = lastName
	}
	if username != "" && username != u.Username {
		updates["username"] = username
	}
	if len(updates) > 0 {
		if err := db.WithContext(ctx).Model(&u).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &u, nil
}

// GetUser fetches a user by primary key, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id uint) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserContact stores captured contact details on the user row. Empty
// arguments leave the corresponding column untouched.
func UpdateUserContact(ctx context.Context, db *gorm.DB, id uint, phone, email string) error {
	updates := map[string]any{}
	if phone != "" {
		updates["phone"] = phone
	}
	if email != "" {
		updates["email"] = email
	}
	if len(updates) == 0 {
		return nil
	}
	res := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
