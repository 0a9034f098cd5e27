package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"petportrait/internal/entity"

	"gorm.io/gorm"
)

// CreateGeneration 在一个事务里保存原图、扣除积分并插入 pending 生成
func (r *GormRepository) CreateGeneration(ctx context.Context, draft *entity.GenerationDraft) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	if draft == nil || draft.Generation == nil {
		return fmt.Errorf("generation draft is empty")
	}
	gen := draft.Generation
	owner := gen.Owner()
	if !owner.Valid() {
		return entity.ErrInvalidOwner
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if draft.Image != nil {
			if err := tx.Create(draft.Image).Error; err != nil {
				return err
			}
			id := draft.Image.ID
			gen.SourceImageID = &id
		}

		gen.CreditsSpent = 0
		if owner.IsUser() && draft.Cost > 0 {
			if err := debitCredits(tx, owner.UserID, draft.Cost); err != nil {
				return err
			}
			gen.CreditsSpent = draft.Cost
		}
		gen.Status = entity.GenerationStatusPending
		return tx.Create(gen).Error
	})
}

// MarkGenerationProcessing 记录已提交任务的服务商请求号
func (r *GormRepository) MarkGenerationProcessing(ctx context.Context, id uint, vendorRequestID string, params entity.JSONMap) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	requestID := strings.TrimSpace(vendorRequestID)
	if requestID == "" {
		return fmt.Errorf("vendor request id is empty")
	}
	updates := map[string]interface{}{
		"status":            entity.GenerationStatusProcessing,
		"vendor_request_id": requestID,
	}
	if params != nil {
		updates["parameters"] = params
	}
	result := r.db.WithContext(ctx).Model(&entity.DbGeneration{}).
		Where("id = ? AND status IN ?", id, entity.ActiveGenerationStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateGenerationProgress 保存进行中生成的进度
func (r *GormRepository) UpdateGenerationProgress(ctx context.Context, id uint, progress float64) error {
	if r == nil || r.db == nil {
		return errNotInitialised()
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return r.db.WithContext(ctx).Model(&entity.DbGeneration{}).
		Where("id = ? AND status IN ?", id, entity.ActiveGenerationStatuses).
		Updates(map[string]interface{}{"progress": progress}).Error
}

// CompleteGeneration 把进行中的生成置为完成并插入结果图片。
// 已被其他调用方先完成时返回 false
func (r *GormRepository) CompleteGeneration(ctx context.Context, id uint, completion entity.GenerationCompletion) (bool, error) {
	if r == nil || r.db == nil {
		return false, errNotInitialised()
	}
	now := completion.Now
	if now.IsZero() {
		now = time.Now()
	}

	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":             entity.GenerationStatusCompleted,
			"progress":           100,
			"processing_time_ms": completion.ProcessingTimeMs,
			"completed_at":       now,
			"error_message":      "",
		}
		if completion.Filename != "" {
			updates["generated_filename"] = completion.Filename
		}
		if completion.Parameters != nil {
			updates["parameters"] = completion.Parameters
		}
		result := tx.Model(&entity.DbGeneration{}).
			Where("id = ? AND status IN ?", id, entity.ActiveGenerationStatuses).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true
		if completion.Result != nil {
			return tx.Create(completion.Result).Error
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// FinishGeneration 把进行中的生成置为失败或已取消，需要时在同一事务中退款。
// 生成已是终态时返回 false
func (r *GormRepository) FinishGeneration(ctx context.Context, id uint, failure entity.GenerationFailure) (bool, error) {
	if r == nil || r.db == nil {
		return false, errNotInitialised()
	}
	switch failure.Status {
	case entity.GenerationStatusFailed, entity.GenerationStatusCancelled:
	default:
		return false, fmt.Errorf("invalid terminal status %q", failure.Status)
	}
	now := failure.Now
	if now.IsZero() {
		now = time.Now()
	}

	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen entity.DbGeneration
		if err := tx.First(&gen, id).Error; err != nil {
			return err
		}
		refund := failure.Refund && gen.UserID != nil && gen.CreditsSpent > 0

		updates := map[string]interface{}{
			"status":        failure.Status,
			"error_message": failure.Message,
			"completed_at":  now,
		}
		// credits_spent 保留原值，退款只记在 parameters 里
		if refund {
			params := make(entity.JSONMap, len(gen.Parameters)+1)
			for k, v := range gen.Parameters {
				params[k] = v
			}
			params[entity.ParamRefunded] = true
			updates["parameters"] = params
		}
		result := tx.Model(&entity.DbGeneration{}).
			Where("id = ? AND status IN ?", id, entity.ActiveGenerationStatuses).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true
		if refund {
			return creditCredits(tx, *gen.UserID, gen.CreditsSpent)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// GetGenerationByID 按主键加载生成
func (r *GormRepository) GetGenerationByID(ctx context.Context, id uint) (*entity.DbGeneration, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	var gen entity.DbGeneration
	if err := r.db.WithContext(ctx).First(&gen, id).Error; err != nil {
		return nil, err
	}
	return &gen, nil
}

// GetGenerationByRequestID 按服务商请求号加载生成
func (r *GormRepository) GetGenerationByRequestID(ctx context.Context, vendorRequestID string) (*entity.DbGeneration, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	trimmed := strings.TrimSpace(vendorRequestID)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var gen entity.DbGeneration
	if err := r.db.WithContext(ctx).Where("vendor_request_id = ?", trimmed).First(&gen).Error; err != nil {
		return nil, err
	}
	return &gen, nil
}

// FindReusableGeneration 返回所有者最近一条未失败、未取消，
// 且原图内容哈希相同的生成
func (r *GormRepository) FindReusableGeneration(ctx context.Context, owner entity.Owner, contentHash string) (*entity.DbGeneration, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if strings.TrimSpace(contentHash) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	db := r.db.WithContext(ctx)
	sources := db.Model(&entity.DbImage{}).Select("id").Where("content_hash = ?", contentHash)

	var gen entity.DbGeneration
	err := db.Scopes(ownerScope(owner)).
		Where("status NOT IN ? AND source_image_id IN (?)", []string{
			entity.GenerationStatusFailed,
			entity.GenerationStatusCancelled,
		}, sources).
		Order("created_at DESC, id DESC").
		First(&gen).Error
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

// ListGenerations 返回所有者的生成，最新在前
func (r *GormRepository) ListGenerations(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGeneration, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, errNotInitialised()
	}
	if params == nil {
		return nil, nil, fmt.Errorf("query is nil")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbGeneration{}).Scopes(ownerScope(params.Owner))
	if status := strings.TrimSpace(params.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	paged, page, limit := paginate(query, params.BaseParams)
	var generations []entity.DbGeneration
	if err := paged.Order("created_at DESC, id DESC").Find(&generations).Error; err != nil {
		return nil, nil, err
	}
	return generations, entity.NewMeta(total, page, limit), nil
}

// GenerationStats 按状态统计数量并汇总消耗的积分
func (r *GormRepository) GenerationStats(ctx context.Context, owner entity.Owner) (*entity.GenerationStats, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	db := r.db.WithContext(ctx)

	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&entity.DbGeneration{}).
		Scopes(ownerScope(owner)).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	byStatus := make(map[string]int64, len(rows))
	for _, row := range rows {
		byStatus[row.Status] = row.Count
	}

	var spent int64
	if err := db.Model(&entity.DbGeneration{}).
		Scopes(ownerScope(owner)).
		Select("COALESCE(SUM(credits_spent), 0)").
		Scan(&spent).Error; err != nil {
		return nil, err
	}

	stats := entity.NewGenerationStats(byStatus, spent)
	return &stats, nil
}

// ListStaleGenerations 返回 updated_at 早于 updatedBefore 的进行中生成
func (r *GormRepository) ListStaleGenerations(ctx context.Context, updatedBefore time.Time, limit int) ([]entity.DbGeneration, error) {
	if r == nil || r.db == nil {
		return nil, errNotInitialised()
	}
	if limit <= 0 {
		limit = 50
	}
	var generations []entity.DbGeneration
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", entity.ActiveGenerationStatuses, updatedBefore).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&generations).Error
	if err != nil {
		return nil, err
	}
	return generations, nil
}

// DeleteFinishedGenerations 删除 cutoff 之前创建的终态生成
func (r *GormRepository) DeleteFinishedGenerations(ctx context.Context, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errNotInitialised()
	}
	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{
			entity.GenerationStatusCompleted,
			entity.GenerationStatusFailed,
			entity.GenerationStatusCancelled,
		}, before).
		Delete(&entity.DbGeneration{})
	return result.RowsAffected, result.Error
}
