package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"petportrait/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSession 保存新的登录会话
func (r *GormRepository) CreateSession(ctx context.Context, session *entity.DbSession) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	if session == nil {
		return fmt.Errorf("session is nil")
	}
	return r.db.WithContext(ctx).Create(session).Error
}

// GetSessionByTokenHash 按 access token 加载会话
func (r *GormRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*entity.DbSession, error) {
	return r.findSession(ctx, "token_hash = ?", tokenHash)
}

// GetSessionByRefreshHash 按 refresh token 加载会话
func (r *GormRepository) GetSessionByRefreshHash(ctx context.Context, refreshHash string) (*entity.DbSession, error) {
	return r.findSession(ctx, "refresh_hash = ?", refreshHash)
}

func (r *GormRepository) findSession(ctx context.Context, cond string, hash string) (*entity.DbSession, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if strings.TrimSpace(hash) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var session entity.DbSession
	if err := r.db.WithContext(ctx).Where(cond, hash).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// TouchSession 记录会话最近一次认证请求的时间
func (r *GormRepository) TouchSession(ctx context.Context, id uint, now time.Time) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	return r.db.WithContext(ctx).Model(&entity.DbSession{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", now).Error
}

// RotateSession 原子地撤销 oldID 并插入 next，
// 已撤销或已过期的会话不能重复轮换
func (r *GormRepository) RotateSession(ctx context.Context, oldID uint, next *entity.DbSession, now time.Time) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	if next == nil {
		return fmt.Errorf("session is nil")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entity.DbSession{}).
			Where("id = ? AND revoked_at IS NULL AND expires_at > ?", oldID, now).
			Updates(map[string]interface{}{"revoked_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionRevoked
		}
		return tx.Create(next).Error
	})
}

// RevokeSession 按 access token 哈希撤销一个会话
func (r *GormRepository) RevokeSession(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errNotInitialised()
	}
	result := r.db.WithContext(ctx).Model(&entity.DbSession{}).
		Where("token_hash = ? AND revoked_at IS NULL", tokenHash).
		Updates(map[string]interface{}{"revoked_at": now})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RevokeUserSessions 撤销用户除 exceptTokenHash 外的所有有效会话，传空字符串则全部撤销
func (r *GormRepository) RevokeUserSessions(ctx context.Context, userID uint, exceptTokenHash string, now time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errNotInitialised()
	}
	query := r.db.WithContext(ctx).Model(&entity.DbSession{}).
		Where("user_id = ? AND revoked_at IS NULL", userID)
	if exceptTokenHash != "" {
		query = query.Where("token_hash <> ?", exceptTokenHash)
	}
	result := query.Updates(map[string]interface{}{"revoked_at": now})
	return result.RowsAffected, result.Error
}

// ListActiveSessions 返回未撤销且未过期的会话
func (r *GormRepository) ListActiveSessions(ctx context.Context, userID uint, now time.Time) ([]entity.DbSession, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	var sessions []entity.DbSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("created_at DESC, id DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteStaleSessions 删除过期和已撤销的会话
func (r *GormRepository) DeleteStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errNotInitialised()
	}
	result := r.db.WithContext(ctx).
		Where("expires_at < ? OR revoked_at IS NOT NULL", now).
		Delete(&entity.DbSession{})
	return result.RowsAffected, result.Error
}

// TouchAnonymousSession 查找或创建访客记录并记录本次请求。
// touch.Count 为真时请求计数加一，计数窗口过期后重置为 1
func (r *GormRepository) TouchAnonymousSession(ctx context.Context, touch entity.AnonymousTouch) (*entity.DbAnonymousSession, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	anonymousID := strings.TrimSpace(touch.AnonymousID)
	if anonymousID == "" {
		return nil, fmt.Errorf("anonymous id is empty")
	}
	now := touch.Now
	if now.IsZero() {
		now = time.Now()
	}
	expiresAt := now.Add(touch.TTL)

	db := r.db.WithContext(ctx)
	fresh := entity.DbAnonymousSession{
		AnonymousID:     anonymousID,
		IPAddress:       touch.IPAddress,
		UserAgent:       truncate(touch.UserAgent, 512),
		WindowStartedAt: now,
		LastActivityAt:  now,
		ExpiresAt:       expiresAt,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "anonymous_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"last_activity_at": now,
		"expires_at":       expiresAt,
	}
	if touch.IPAddress != "" {
		updates["ip_address"] = touch.IPAddress
	}
	if touch.UserAgent != "" {
		updates["user_agent"] = truncate(touch.UserAgent, 512)
	}
	if touch.Count {
		windowStart := now.Add(-touch.Window)
		// request_count 必须先于 window_started_at 赋值（MySQL 按顺序求值）
		updates["request_count"] = gorm.Expr("CASE WHEN window_started_at <= ? THEN 1 ELSE request_count + 1 END", windowStart)
		updates["window_started_at"] = gorm.Expr("CASE WHEN window_started_at <= ? THEN ? ELSE window_started_at END", windowStart, now)
	}
	if err := db.Model(&entity.DbAnonymousSession{}).
		Where("anonymous_id = ?", anonymousID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	var session entity.DbAnonymousSession
	if err := db.Where("anonymous_id = ?", anonymousID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteExpiredAnonymousSessions 删除超过 expires_at 的访客记录
func (r *GormRepository) DeleteExpiredAnonymousSessions(ctx context.Context, now time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errNotInitialised()
	}
	result := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&entity.DbAnonymousSession{})
	return result.RowsAffected, result.Error
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
