package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"petportrait/internal/entity"

	"gorm.io/gorm"
)

// GetImageByFilename 按存储文件名加载未删除的图片
func (r *GormRepository) GetImageByFilename(ctx context.Context, filename string) (*entity.DbImage, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	trimmed := strings.TrimSpace(filename)
	if trimmed == "" {
		return nil, fmt.Errorf("filename is empty")
	}
	var image entity.DbImage
	if err := r.db.WithContext(ctx).
		Where("filename = ? AND is_deleted = ?", trimmed, false).
		First(&image).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

// ListImages 返回所有者未删除的图片，最新在前
func (r *GormRepository) ListImages(ctx context.Context, params *entity.ImageQuery) ([]entity.DbImage, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, errNotInitialised()
	}
	if params == nil {
		return nil, nil, fmt.Errorf("query is nil")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbImage{}).
		Scopes(ownerScope(params.Owner)).
		Where("is_deleted = ?", false)
	if t := strings.TrimSpace(params.Type); t != "" {
		query = query.Where("type = ?", t)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	paged, page, limit := paginate(query, params.BaseParams)
	var images []entity.DbImage
	if err := paged.Order("created_at DESC, id DESC").Find(&images).Error; err != nil {
		return nil, nil, err
	}
	return images, entity.NewMeta(total, page, limit), nil
}

// SoftDeleteImage 隐藏图片，存储文件稍后清理
func (r *GormRepository) SoftDeleteImage(ctx context.Context, id uint, now time.Time) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	result := r.db.WithContext(ctx).Model(&entity.DbImage{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementImageViews views_count 加一
func (r *GormRepository) IncrementImageViews(ctx context.Context, id uint) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	return r.db.WithContext(ctx).Model(&entity.DbImage{}).
		Where("id = ?", id).
		UpdateColumn("views_count", gorm.Expr("views_count + 1")).Error
}

// ListPurgeableImages 返回已软删除但文件还在的图片
func (r *GormRepository) ListPurgeableImages(ctx context.Context, limit int) ([]entity.DbImage, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if limit <= 0 {
		limit = 100
	}
	var images []entity.DbImage
	err := r.db.WithContext(ctx).
		Where("is_deleted = ? AND file_purged_at IS NULL", true).
		Order("id ASC").
		Limit(limit).
		Find(&images).Error
	if err != nil {
		return nil, err
	}
	return images, nil
}

// MarkImagePurged 记录存储文件已删除
func (r *GormRepository) MarkImagePurged(ctx context.Context, id uint, now time.Time) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	return r.db.WithContext(ctx).Model(&entity.DbImage{}).
		Where("id = ?", id).
		UpdateColumn("file_purged_at", now).Error
}
