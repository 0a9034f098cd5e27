package service

import (
	"context"
	"strings"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"
	"petportrait/internal/model"

	"github.com/sirupsen/logrus"
)

const msgImageNotFound = "Image not found"

// ImageList 图片分页结果
type ImageList struct {
	Items []entity.ImageView
	Meta  *entity.Meta
}

// GenerationList 生成记录分页结果
type GenerationList struct {
	Items []entity.GenerationView
	Meta  *entity.Meta
}

// QueryService 提供调用者的历史查询
type QueryService struct {
	repo   model.Repository
	urlFor func(key string) string
	now    func() time.Time
}

func NewQueryService(repo model.Repository, urlFor func(key string) string) *QueryService {
	return &QueryService{repo: repo, urlFor: urlFor, now: time.Now}
}

// ListImages 返回所有者未删除的图片，最新在前
func (s *QueryService) ListImages(ctx context.Context, owner entity.Owner, params entity.ImageQuery) (*ImageList, error) {
	if !owner.Valid() {
		return nil, apperr.Unauthenticated("unable to identify caller")
	}
	if t := strings.TrimSpace(params.Type); t != "" && !entity.IsValidImageType(t) {
		return nil, apperr.Validation("invalid image type")
	}
	params.Owner = owner
	rows, meta, err := s.repo.ListImages(ctx, &params)
	if err != nil {
		return nil, apperr.Internal("failed to list images", err)
	}
	items := make([]entity.ImageView, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].View(s.urlFor))
	}
	return &ImageList{Items: items, Meta: meta}, nil
}

// ListGenerations 返回所有者的生成记录，最新在前
func (s *QueryService) ListGenerations(ctx context.Context, owner entity.Owner, params entity.GenerationQuery) (*GenerationList, error) {
	if !owner.Valid() {
		return nil, apperr.Unauthenticated("unable to identify caller")
	}
	if st := strings.TrimSpace(params.Status); st != "" && !entity.IsValidGenerationStatus(st) {
		return nil, apperr.Validation("invalid generation status")
	}
	params.Owner = owner
	rows, meta, err := s.repo.ListGenerations(ctx, &params)
	if err != nil {
		return nil, apperr.Internal("failed to list generations", err)
	}
	items := make([]entity.GenerationView, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].View(s.urlFor))
	}
	return &GenerationList{Items: items, Meta: meta}, nil
}

// Stats 汇总所有者的生成历史
func (s *QueryService) Stats(ctx context.Context, owner entity.Owner) (*entity.GenerationStats, error) {
	if !owner.Valid() {
		return nil, apperr.Unauthenticated("unable to identify caller")
	}
	stats, err := s.repo.GenerationStats(ctx, owner)
	if err != nil {
		return nil, apperr.Internal("failed to load stats", err)
	}
	return stats, nil
}

// GetImage 返回单张图片。公开图片任何人可读，非所有者访问会计数；
// 私有图片只有所有者可读
func (s *QueryService) GetImage(ctx context.Context, owner entity.Owner, filename string) (*entity.ImageView, error) {
	img, err := s.lookup(ctx, filename)
	if err != nil {
		return nil, err
	}
	owns := owner.Owns(img.UserID, img.AnonymousID)
	if !owns && !img.IsPublic {
		return nil, apperr.Forbidden(msgAccessDenied)
	}
	if !owns {
		if err := s.repo.IncrementImageViews(ctx, img.ID); err != nil {
			logrus.WithError(err).WithField("image_id", img.ID).Warn("increment_views_failed")
		} else {
			img.ViewsCount++
		}
	}
	view := img.View(s.urlFor)
	return &view, nil
}

// DeleteImage 软删除自己的图片，文件由 reconciler 删除
func (s *QueryService) DeleteImage(ctx context.Context, owner entity.Owner, filename string) error {
	img, err := s.lookup(ctx, filename)
	if err != nil {
		return err
	}
	if !owner.Owns(img.UserID, img.AnonymousID) {
		return apperr.Forbidden(msgAccessDenied)
	}
	if err := s.repo.SoftDeleteImage(ctx, img.ID, s.now()); err != nil {
		if model.IsNotFound(err) {
			return apperr.NotFound(msgImageNotFound)
		}
		return apperr.Internal("failed to delete image", err)
	}
	logrus.WithFields(logrus.Fields{"image_id": img.ID, "owner": owner.String()}).Info("image_deleted")
	return nil
}

func (s *QueryService) lookup(ctx context.Context, filename string) (*entity.DbImage, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return nil, apperr.NewCode(apperr.KindValidation, apperr.CodeInvalidFilename, "Invalid filename")
	}
	img, err := s.repo.GetImageByFilename(ctx, filename)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, apperr.NotFound(msgImageNotFound)
		}
		return nil, apperr.Internal("failed to load image", err)
	}
	return img, nil
}
