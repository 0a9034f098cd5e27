package sql

import (
	"errors"

	"petportrait/internal/entity"

	"gorm.io/gorm"
)

var (
	// ErrInsufficientCredits 扣费会使余额为负时返回
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrSessionRevoked 会话已撤销或已过期时返回
	ErrSessionRevoked = errors.New("session revoked")
	// ErrStatusConflict 生成已离开预期状态时返回
	ErrStatusConflict = errors.New("generation status conflict")
)

// GormRepository 基于 GORM 实现 Repository
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建仓库实例
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func errNotInitialised() error {
	return errors.New("repository not initialised")
}

// ownerScope 把查询限定在 owner 名下，非法 owner 匹配不到任何行
func ownerScope(owner entity.Owner) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch {
		case !owner.Valid():
			return db.Where("1 = 0")
		case owner.IsUser():
			return db.Where("user_id = ?", owner.UserID)
		default:
			return db.Where("anonymous_id = ?", owner.AnonymousID)
		}
	}
}

// paginate 按 params 设置 offset/limit，并返回规范化后的分页值
func paginate(query *gorm.DB, params entity.BaseParams) (*gorm.DB, int64, int64) {
	page, limit := params.Normalized()
	return query.Offset(params.Offset()).Limit(int(limit)), page, limit
}
