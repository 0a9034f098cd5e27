package model

import (
	"context"
	"time"

	"petportrait/internal/entity"
	"petportrait/internal/model/sql"
)

// 仓库层哨兵错误
var (
	ErrInsufficientCredits = sql.ErrInsufficientCredits
	ErrSessionRevoked      = sql.ErrSessionRevoked
	ErrStatusConflict      = sql.ErrStatusConflict
)

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return sql.IsNotFound(err)
}

// Repository 定义数据库操作接口
type Repository interface {
	// 用户
	UpsertGoogleUser(ctx context.Context, profile entity.GoogleProfile, signupCredits int, now time.Time) (*entity.DbUser, bool, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	AdjustUserCredits(ctx context.Context, id uint, delta int) (*entity.DbUser, error)
	SetRoleByEmail(ctx context.Context, emails []string, role string) (int64, error)

	// 匿名会话
	TouchAnonymousSession(ctx context.Context, touch entity.AnonymousTouch) (*entity.DbAnonymousSession, error)
	DeleteExpiredAnonymousSessions(ctx context.Context, now time.Time) (int64, error)

	// 登录会话
	CreateSession(ctx context.Context, session *entity.DbSession) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*entity.DbSession, error)
	GetSessionByRefreshHash(ctx context.Context, refreshHash string) (*entity.DbSession, error)
	TouchSession(ctx context.Context, id uint, now time.Time) error
	RotateSession(ctx context.Context, oldID uint, next *entity.DbSession, now time.Time) error
	RevokeSession(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeUserSessions(ctx context.Context, userID uint, exceptTokenHash string, now time.Time) (int64, error)
	ListActiveSessions(ctx context.Context, userID uint, now time.Time) ([]entity.DbSession, error)
	DeleteStaleSessions(ctx context.Context, now time.Time) (int64, error)

	// 图片
	GetImageByFilename(ctx context.Context, filename string) (*entity.DbImage, error)
	ListImages(ctx context.Context, params *entity.ImageQuery) ([]entity.DbImage, *entity.Meta, error)
	SoftDeleteImage(ctx context.Context, id uint, now time.Time) error
	IncrementImageViews(ctx context.Context, id uint) error
	ListPurgeableImages(ctx context.Context, limit int) ([]entity.DbImage, error)
	MarkImagePurged(ctx context.Context, id uint, now time.Time) error

	// 生成记录
	CreateGeneration(ctx context.Context, draft *entity.GenerationDraft) error
	MarkGenerationProcessing(ctx context.Context, id uint, vendorRequestID string, params entity.JSONMap) error
	UpdateGenerationProgress(ctx context.Context, id uint, progress float64) error
	CompleteGeneration(ctx context.Context, id uint, completion entity.GenerationCompletion) (bool, error)
	FinishGeneration(ctx context.Context, id uint, failure entity.GenerationFailure) (bool, error)
	GetGenerationByID(ctx context.Context, id uint) (*entity.DbGeneration, error)
	GetGenerationByRequestID(ctx context.Context, vendorRequestID string) (*entity.DbGeneration, error)
	FindReusableGeneration(ctx context.Context, owner entity.Owner, contentHash string) (*entity.DbGeneration, error)
	ListGenerations(ctx context.Context, params *entity.GenerationQuery) ([]entity.DbGeneration, *entity.Meta, error)
	GenerationStats(ctx context.Context, owner entity.Owner) (*entity.GenerationStats, error)
	ListStaleGenerations(ctx context.Context, updatedBefore time.Time, limit int) ([]entity.DbGeneration, error)
	DeleteFinishedGenerations(ctx context.Context, before time.Time) (int64, error)
}

var _ Repository = (*sql.GormRepository)(nil)
