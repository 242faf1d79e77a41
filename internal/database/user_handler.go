package database

import (
	"context"
	"strings"

	"proxyfleet/internal/domain"

	"gorm.io/gorm/clause"
)

// UpsertUser mirrors a user from the upstream directory.
func UpsertUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	user.ID = strings.TrimSpace(user.ID)
	user.Email = strings.TrimSpace(user.Email)
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.ID == "" {
		verr := &domain.ValidationError{}
		verr.Add("id", "is required")
		return nil, verr
	}

	err := DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	return GetUser(ctx, user.ID)
}

func GetUser(ctx context.Context, id string) (*domain.User, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	var user domain.User
	if err := DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translateNotFound(err, "user", id)
	}
	return &user, nil
}

func ListUsers(ctx context.Context) ([]domain.User, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	users := make([]domain.User, 0)
	err := DB.WithContext(ctx).Order("id").Find(&users).Error
	return users, err
}
