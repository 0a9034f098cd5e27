package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"petportrait/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertGoogleUser 首次登录时创建用户，之后刷新资料字段。
// 返回的布尔值表示是否插入了新行
func (r *GormRepository) UpsertGoogleUser(ctx context.Context, profile entity.GoogleProfile, signupCredits int, now time.Time) (*entity.DbUser, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, errNotInitialised()
	}
	subject := strings.TrimSpace(profile.Subject)
	if subject == "" {
		return nil, false, fmt.Errorf("google subject is empty")
	}
	if signupCredits < 0 {
		signupCredits = 0
	}

	var (
		user    entity.DbUser
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := entity.DbUser{
			GoogleID:    subject,
			Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
			DisplayName: strings.TrimSpace(profile.Name),
			AvatarURL:   strings.TrimSpace(profile.Picture),
			Role:        entity.UserRoleUser,
			Credits:     signupCredits,
			IsActive:    true,
			LastLoginAt: &now,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "google_id"}},
			DoNothing: true,
		}).Create(&candidate)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			created = true
			user = candidate
			return nil
		}

		updates := map[string]interface{}{
			"email":         candidate.Email,
			"last_login_at": now,
		}
		if candidate.DisplayName != "" {
			updates["display_name"] = candidate.DisplayName
		}
		if candidate.AvatarURL != "" {
			updates["avatar_url"] = candidate.AvatarURL
		}
		if err := tx.Model(&entity.DbUser{}).Where("google_id = ?", subject).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("google_id = ?", subject).First(&user).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &user, created, nil
}

// GetUserByID 按 ID 加载用户
func (r *GormRepository) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid user id")
	}
	var user entity.DbUser
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// AdjustUserCredits 给余额加上 delta，负数不会让余额低于零
func (r *GormRepository) AdjustUserCredits(ctx context.Context, id uint, delta int) (*entity.DbUser, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	var user entity.DbUser
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if delta < 0 {
			if err := debitCredits(tx, id, -delta); err != nil {
				return err
			}
		} else if delta > 0 {
			if err := creditCredits(tx, id, delta); err != nil {
				return err
			}
		}
		return tx.First(&user, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// debitCredits 用一条条件语句扣除 amount
func debitCredits(tx *gorm.DB, userID uint, amount int) error {
	if amount <= 0 {
		return nil
	}
	result := tx.Model(&entity.DbUser{}).
		Where("id = ? AND credits >= ?", userID, amount).
		UpdateColumn("credits", gorm.Expr("credits - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := tx.Model(&entity.DbUser{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrInsufficientCredits
}

func creditCredits(tx *gorm.DB, userID uint, amount int) error {
	result := tx.Model(&entity.DbUser{}).
		Where("id = ?", userID).
		UpdateColumn("credits", gorm.Expr("credits + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IsNotFound 判断 err 是否表示记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// SetRoleByEmail 给列表中每个邮箱对应的用户设置角色
func (r *GormRepository) SetRoleByEmail(ctx context.Context, emails []string, role string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errNotInitialised()
	}
	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
			normalized = append(normalized, e)
		}
	}
	if len(normalized) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&entity.DbUser{}).
		Where("email IN ? AND role <> ?", normalized, role).
		Update("role", role)
	return result.RowsAffected, result.Error
}
