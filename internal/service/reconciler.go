package service

import (
	"context"
	"time"

	"petportrait/internal/entity"
	"petportrait/internal/model"
	"petportrait/internal/storage"

	"github.com/sirupsen/logrus"
)

const (
	purgeBatchSize = 100
	staleBatchSize = 50
)

// ReconcilerConfig 维护任务的阈值
type ReconcilerConfig struct {
	StaleAfter time.Duration
	Retention  time.Duration
}

// Reconciler 执行定期维护任务
type Reconciler struct {
	repo        model.Repository
	store       storage.Storage
	generations *GenerationService
	cfg         ReconcilerConfig
	now         func() time.Time
}

func NewReconciler(repo model.Repository, store storage.Storage, generations *GenerationService, cfg ReconcilerConfig) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Reconciler{repo: repo, store: store, generations: generations, cfg: cfg, now: time.Now}
}

// PurgeFiles 删除已软删除图片的存储文件
func (r *Reconciler) PurgeFiles(ctx context.Context) (int, error) {
	images, err := r.repo.ListPurgeableImages(ctx, purgeBatchSize)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, img := range images {
		if err := r.store.Delete(ctx, img.StorageKey); err != nil {
			logrus.WithError(err).WithField("image_id", img.ID).Warn("purge_file_failed")
			continue
		}
		if err := r.repo.MarkImagePurged(ctx, img.ID, r.now()); err != nil {
			logrus.WithError(err).WithField("image_id", img.ID).Warn("mark_purged_failed")
			continue
		}
		purged++
	}
	logrus.WithFields(logrus.Fields{"candidates": len(images), "purged": purged}).Info("purge_files_done")
	return purged, nil
}

// CleanupSessions 删除过期或已撤销的登录会话以及过期的匿名会话
func (r *Reconciler) CleanupSessions(ctx context.Context) (int64, int64, error) {
	now := r.now()
	sessions, err := r.repo.DeleteStaleSessions(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	anonymous, err := r.repo.DeleteExpiredAnonymousSessions(ctx, now)
	if err != nil {
		return sessions, 0, err
	}
	logrus.WithFields(logrus.Fields{
		"sessions":           sessions,
		"anonymous_sessions": anonymous,
	}).Info("cleanup_sessions_done")
	return sessions, anonymous, nil
}

// RepollStale 刷新停滞的生成。没有拿到请求号的记录直接失败并退款
func (r *Reconciler) RepollStale(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStaleGenerations(ctx, r.now().Add(-r.cfg.StaleAfter), staleBatchSize)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range stale {
		gen := &stale[i]
		logger := logrus.WithFields(logrus.Fields{"generation_id": gen.ID, "request_id": gen.RequestID()})
		if gen.RequestID() == "" {
			won, err := r.repo.FinishGeneration(ctx, gen.ID, entity.GenerationFailure{
				Status:  entity.GenerationStatusFailed,
				Message: "submission to the image provider did not complete",
				Refund:  true,
				Now:     r.now(),
			})
			if err != nil {
				logger.WithError(err).Warn("stale_generation_fail_failed")
				continue
			}
			if won {
				settled++
				r.releaseSource(ctx, gen)
			}
			continue
		}
		if r.generations == nil {
			continue
		}
		refreshed, err := r.generations.Refresh(ctx, gen)
		if err != nil {
			logger.WithError(err).Warn("stale_generation_repoll_failed")
			continue
		}
		if refreshed.IsTerminal() {
			settled++
		}
	}
	logrus.WithFields(logrus.Fields{"candidates": len(stale), "settled": settled}).Info("repoll_stale_done")
	return settled, nil
}

// releaseSource 软删除从未提交成功的生成的原图，文件由 PurgeFiles 清理
func (r *Reconciler) releaseSource(ctx context.Context, gen *entity.DbGeneration) {
	if gen.SourceImageID == nil {
		return
	}
	if err := r.repo.SoftDeleteImage(ctx, *gen.SourceImageID, r.now()); err != nil && !model.IsNotFound(err) {
		logrus.WithError(err).WithField("image_id", *gen.SourceImageID).Warn("stale_source_delete_failed")
	}
}

// CleanupGenerations 删除超过保留期的终态生成
func (r *Reconciler) CleanupGenerations(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteFinishedGenerations(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	logrus.WithField("deleted", n).Info("cleanup_generations_done")
	return n, nil
}
